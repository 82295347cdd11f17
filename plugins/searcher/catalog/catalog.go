package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
)

// Options: 静态目录检索配置。
type Options struct {
	// Since: 仅返回该日期（含）之后发布的条目，YYYY-MM-DD；空表示不限。
	Since string `yaml:"since" validate:"omitempty,datetime=2006-01-02"`
	// IncludeDrafts: 为 false 时跳过 Draft 条目。默认 true。
	IncludeDrafts *bool `yaml:"include_drafts"`
}

// Searcher: 基于内嵌 NIST 目录的检索器（按发布日期降序截取前 N 条）。
type Searcher struct {
	entries []refdata.CatalogEntry
	since   contract.Date
	drafts  bool
}

// New 构造检索器；entries 由参考数据提供，调用方不得再修改。
func New(entries []refdata.CatalogEntry, opts *Options) (*Searcher, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	since, err := contract.ParseDate(o.Since)
	if err != nil {
		return nil, fmt.Errorf("catalog since: %w", err)
	}
	s := &Searcher{entries: entries, since: since, drafts: true}
	if o.IncludeDrafts != nil {
		s.drafts = *o.IncludeDrafts
	}
	return s, nil
}

func (s *Searcher) Search(ctx context.Context, max int) ([]contract.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, fmt.Errorf("catalog: max=%d: %w", max, contract.ErrInvalidInput)
	}
	picked := make([]refdata.CatalogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !s.drafts && isDraft(e) {
			continue
		}
		if !s.since.IsZero() {
			if d, err := contract.ParseDate(e.Published); err == nil && d.Before(s.since) {
				continue
			}
		}
		picked = append(picked, e)
	}
	// 日期为 YYYY-MM-DD，字典序即时间序；同日保持目录顺序
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Published > picked[j].Published })
	if len(picked) > max {
		picked = picked[:max]
	}
	out := make([]contract.SearchResult, 0, len(picked))
	for _, e := range picked {
		out = append(out, contract.SearchResult{
			IDHint:    e.ID,
			Title:     e.Title,
			URL:       e.URL,
			Snippet:   snippet(e),
			Published: e.Published,
			Version:   e.Version,
			Errata:    e.Errata,
		})
	}
	return out, nil
}

func snippet(e refdata.CatalogEntry) string {
	s := "Published: " + e.Published + " | Version: " + e.Version
	if isDraft(e) {
		s += " | Status: Draft"
	}
	return s
}

func isDraft(e refdata.CatalogEntry) bool {
	return strings.EqualFold(e.Status, "Draft") || strings.Contains(strings.ToLower(e.Version), "draft")
}

var _ contract.Searcher = (*Searcher)(nil)
