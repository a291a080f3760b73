package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatingWriter 按大小滚动审计日志。当前文件写满后以时间戳归档，
// 份数与保留期超限的旧归档在滚动时顺带清理。
type rotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	limit   int64
	keep    int
	retain  time.Duration
	written int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("审计日志路径不能为空")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建审计日志目录: %w", err)
	}
	return &rotatingWriter{
		path:   path,
		limit:  int64(maxSizeMB) * 1024 * 1024,
		keep:   maxBackups,
		retain: time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.limit > 0 && w.written+int64(len(p)) > w.limit {
		if err := w.roll(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.written = 0
	return err
}

func (w *rotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("读取审计日志元信息: %w", err)
	}
	w.file = file
	w.written = info.Size()
	return nil
}

// roll 把当前文件改名为带时间戳的归档，再重开一个空文件继续写。
func (w *rotatingWriter) roll() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.written = 0

	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, w.archiveName(time.Now())); err != nil {
			return fmt.Errorf("归档审计日志: %w", err)
		}
	}
	w.prune()
	return w.open()
}

// archiveName 生成归档文件名，时间戳插在扩展名之前。
func (w *rotatingWriter) archiveName(t time.Time) string {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	return fmt.Sprintf("%s-%s%s", base, t.Format("20060102T150405.000"), ext)
}

// prune 清理超出份数上限或超出保留期的归档。
func (w *rotatingWriter) prune() {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	matches, err := filepath.Glob(base + "-*" + ext)
	if err != nil || len(matches) == 0 {
		return
	}
	// 时间戳即文件名，字典序就是时间序，新的在后。
	sort.Strings(matches)

	excess := len(matches) - w.keep
	cutoff := time.Now().Add(-w.retain)
	for i, path := range matches {
		if i < excess {
			_ = os.Remove(path)
			continue
		}
		if w.retain > 0 {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				_ = os.Remove(path)
			}
		}
	}
}
