// Package knowledge 为提示词提供领域背景条目。
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Entry 是一条背景知识。
type Entry struct {
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
	// Keywords 用于与目标文本做朴素匹配。
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// Provider 按目标检索相关知识条目。
type Provider interface {
	Retrieve(ctx context.Context, goal string, limit int) ([]Entry, error)
}

// StaticProvider 是进程内的关键词匹配实现，条目来自配置文件。
type StaticProvider struct {
	mu      sync.RWMutex
	entries []Entry
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider 创建提供者。
func NewStaticProvider(entries []Entry) *StaticProvider {
	return &StaticProvider{entries: entries}
}

// Add 追加条目。
func (p *StaticProvider) Add(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

// Retrieve 返回与目标关键词匹配度最高的条目，按命中数降序。
func (p *StaticProvider) Retrieve(_ context.Context, goal string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 3
	}
	lower := strings.ToLower(goal)

	p.mu.RLock()
	defer p.mu.RUnlock()

	type scored struct {
		entry Entry
		hits  int
	}
	var matches []scored
	for _, e := range p.entries {
		hits := 0
		for _, kw := range e.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{entry: e, hits: hits})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].hits > matches[j].hits })

	out := make([]Entry, 0, limit)
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, m.entry)
	}
	return out, nil
}
