package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterArchivesOnLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 3, 1)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()
	w.limit = 64

	line := []byte(strings.Repeat("a", 48) + "\n")
	if _, err := w.Write(line); err != nil {
		t.Fatalf("第一次写入: %v", err)
	}
	// 第二次写入超限，当前文件归档后重开。
	if _, err := w.Write(line); err != nil {
		t.Fatalf("第二次写入: %v", err)
	}

	archives, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("归档文件数 = %d, want 1", len(archives))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Fatalf("归档后当前文件大小 = %d, want %d", info.Size(), len(line))
	}
}

func TestRotatingWriterPrunesExcessArchives(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer w.Close()
	w.limit = 8

	// 每次写入都触发归档，份数上限为 2。
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789")); err != nil {
			t.Fatalf("第 %d 次写入: %v", i+1, err)
		}
	}

	archives, _ := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	if len(archives) > 2 {
		t.Fatalf("归档文件数 = %d, 上限 2", len(archives))
	}
}
