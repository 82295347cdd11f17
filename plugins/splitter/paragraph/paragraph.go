package paragraph

import (
	"context"
	"strings"
	"unicode/utf8"

	"nistsentinel/pkg/contract"
)

// Options 为段落切分器的可选配置。
type Options struct {
	// Stems: 附加的主题关键词（小写子串匹配）；与构造时传入的目录词干合并。
	Stems []string `yaml:"stems"`
	// MaxPassages: 每条记录最多产出的段落数。默认 8。
	MaxPassages int `yaml:"max_passages" validate:"gte=0"`
	// MaxPassageBytes: 单段最大字节数，超出按 UTF-8 边界截断。默认 2000。
	MaxPassageBytes int `yaml:"max_passage_bytes" validate:"gte=0"`
	// MinPassageBytes: 短于该长度的段落丢弃。默认 40。
	MinPassageBytes int `yaml:"min_passage_bytes" validate:"gte=0"`
}

// Splitter 按空行切分正文，保留含目录词干的段落。
type Splitter struct {
	stems    []string
	maxN     int
	maxBytes int
	minBytes int
}

// New 创建段落切分器。stems 为空时所有足够长的段落都保留。
func New(stems []string, opts *Options) *Splitter {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	s := &Splitter{maxN: 8, maxBytes: 2000, minBytes: 40}
	if o.MaxPassages > 0 {
		s.maxN = o.MaxPassages
	}
	if o.MaxPassageBytes > 0 {
		s.maxBytes = o.MaxPassageBytes
	}
	if o.MinPassageBytes > 0 {
		s.minBytes = o.MinPassageBytes
	}
	for _, st := range append(append([]string(nil), stems...), o.Stems...) {
		if st = strings.ToLower(strings.TrimSpace(st)); st != "" {
			s.stems = append(s.stems, st)
		}
	}
	return s
}

// 元数据头前缀（由抽取阶段写入），不参与分类。
var headerPrefixes = []string{"status:", "published:", "version:", "errata:", "url:"}

func (s *Splitter) Split(ctx context.Context, rec contract.PublicationRecord) ([]contract.Passage, error) {
	var out []contract.Passage
	// 非 UTF-8 字节直接丢弃
	raw := strings.ToValidUTF8(strings.ReplaceAll(rec.RawContent, "\r\n", "\n"), "")
	for _, block := range strings.Split(raw, "\n\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := body(block)
		if len(text) < s.minBytes || !s.relevant(text) {
			continue
		}
		out = append(out, contract.Passage{RecordID: rec.ID, Index: len(out), Text: truncate(text, s.maxBytes)})
		if len(out) == s.maxN {
			break
		}
	}
	return out, nil
}

// body 去掉标题行与元数据行，返回段落正文。
func body(block string) string {
	var lines []string
	for _, l := range strings.Split(block, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") || isHeader(l) {
			continue
		}
		lines = append(lines, l)
	}
	return strings.Join(lines, "\n")
}

func isHeader(l string) bool {
	low := strings.ToLower(l)
	for _, p := range headerPrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}

func (s *Splitter) relevant(text string) bool {
	if len(s.stems) == 0 {
		return true
	}
	low := strings.ToLower(text)
	for _, st := range s.stems {
		if strings.Contains(low, st) {
			return true
		}
	}
	return false
}

// truncate 在 n 字节内按 rune 边界截断。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ contract.Splitter = (*Splitter)(nil)
