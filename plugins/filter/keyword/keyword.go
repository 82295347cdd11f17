package keyword

import (
	"context"
	"strings"

	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
)

// Options: 追加到参考数据之上的关键词与排除项。
type Options struct {
	Stems   []string `yaml:"stems"`
	Exclude []string `yaml:"exclude"`
}

// Filter 按关键词（标题与正文，小写子串）筛选面向软件开发组织的记录。
// 排除表中的编号始终剔除；无关键词时保留全部未排除记录。
type Filter struct {
	stems   []string
	exclude map[contract.PublicationID]bool
}

func New(rel refdata.Relevance, opts *Options) *Filter {
	f := &Filter{exclude: map[contract.PublicationID]bool{}}
	for _, id := range rel.Exclude {
		f.exclude[id] = true
	}
	f.stems = append(f.stems, rel.Stems...)
	if opts != nil {
		for _, s := range opts.Stems {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				f.stems = append(f.stems, s)
			}
		}
		for _, id := range opts.Exclude {
			f.exclude[contract.PublicationID(strings.TrimSpace(id))] = true
		}
	}
	return f
}

func (f *Filter) Filter(ctx context.Context, recs []contract.PublicationRecord) ([]contract.PublicationRecord, error) {
	out := make([]contract.PublicationRecord, 0, len(recs))
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		if f.exclude[r.ID] || !f.match(r) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *Filter) match(r contract.PublicationRecord) bool {
	if len(f.stems) == 0 {
		return true
	}
	text := strings.ToLower(r.Title + "\n" + r.RawContent)
	for _, s := range f.stems {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

var _ contract.RelevanceFilter = (*Filter)(nil)
