// Package store 持有单次运行内的出版物记录（内存、按插入顺序），并负责从抓取结果构造记录。
package store

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"nistsentinel/pkg/contract"
)

// Store: 单次运行的记录集合。阶段串行执行，不做加锁。
type Store struct {
	recs []contract.PublicationRecord
}

func New() *Store { return &Store{} }

// Add 追加一条记录（深拷贝）。
func (s *Store) Add(r contract.PublicationRecord) { s.recs = append(s.recs, r.Clone()) }

// All 返回当前记录的快照副本。
func (s *Store) All() []contract.PublicationRecord {
	out := make([]contract.PublicationRecord, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.Clone()
	}
	return out
}

// Replace 以某阶段产出的记录集整体替换。
func (s *Store) Replace(recs []contract.PublicationRecord) {
	s.recs = make([]contract.PublicationRecord, len(recs))
	for i, r := range recs {
		s.recs[i] = r.Clone()
	}
}

func (s *Store) Len() int { return len(s.recs) }

var (
	// /pubs/sp/800/218/a/final、/pubs/sp/800/171/r3/final
	urlIDPattern   = regexp.MustCompile(`/pubs/sp/(\d{3})/(\d{2,3})(?:/([a-z]))?(?:/r(\d+))?(?:/|$)`)
	titleIDPattern = regexp.MustCompile(`(?i)\bSP\s*(\d{3}-\d{2,3}[A-Z]?)(?:\s*Rev\.?\s*(\d+))?`)
	snippetField   = regexp.MustCompile(`(?i)(published|version|errata|status)\s*:\s*([^|\n]+)`)
	versionLabel   = regexp.MustCompile(`(?i)^(rev\.?\s*\d+|v\d+(?:\.\d+)*)$`)
)

// FromFetch 由检索结果与页面结果构造一条原始记录（未校验）。
// 编号依次取自 IDHint、标题、URL；元数据优先显式字段，其次解析 snippet。
func FromFetch(sr contract.SearchResult, page contract.PageResult) contract.PublicationRecord {
	id, rev := resolveID(sr)
	meta := parseSnippet(sr.Snippet)
	pick := func(explicit, key string) string {
		if v := strings.TrimSpace(explicit); v != "" {
			return v
		}
		return meta[key]
	}

	rec := contract.PublicationRecord{
		ID:         id,
		Title:      norm.NFC.String(strings.TrimSpace(sr.Title)),
		Revision:   rev,
		Status:     contract.StatusFinal,
		SourceURL:  strings.TrimSpace(sr.URL),
		RawContent: page.Content,
		Outcome:    page.Outcome,
	}
	if rec.Outcome == 0 {
		rec.Outcome = contract.FallenBack
	}

	version := pick(sr.Version, "version")
	switch st, err := contract.ParseStatus(version); {
	case err == nil:
		rec.Status = st
	case versionLabel.MatchString(version) && rec.Revision == "":
		rec.Revision = normalizeRevision(version)
	}
	if v := meta["status"]; v != "" {
		if st, err := contract.ParseStatus(v); err == nil {
			rec.Status = st
		}
	}
	if strings.Contains(strings.ToLower(sr.Snippet), "draft") {
		rec.Status = contract.StatusDraft
	}
	// 无法解析的日期保持零值，由校验器按参考事实补齐
	rec.PublishedDate, _ = contract.ParseDate(pick(sr.Published, "published"))
	rec.ErrataDate, _ = contract.ParseDate(pick(sr.Errata, "errata"))
	return rec
}

func resolveID(sr contract.SearchResult) (contract.PublicationID, string) {
	// 显式提示优先；非法提示原样保留，由校验器拒绝
	if h := strings.TrimSpace(sr.IDHint); h != "" {
		return contract.CanonicalizeID(h)
	}
	if m := titleIDPattern.FindStringSubmatch(sr.Title); m != nil {
		raw := m[1]
		if m[2] != "" {
			raw += " Rev. " + m[2]
		}
		if id, rev := contract.CanonicalizeID(raw); contract.ValidPublicationID(id) {
			return id, rev
		}
	}
	if m := urlIDPattern.FindStringSubmatch(strings.ToLower(sr.URL)); m != nil {
		id := contract.PublicationID(m[1] + "-" + m[2] + strings.ToUpper(m[3]))
		if m[4] != "" {
			return id, "Rev. " + m[4]
		}
		return id, ""
	}
	return "", ""
}

// parseSnippet 解析 "Published: 2024-07-26 | Version: Final"。
func parseSnippet(s string) map[string]string {
	out := map[string]string{}
	for _, m := range snippetField.FindAllStringSubmatch(s, -1) {
		out[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	return out
}

func normalizeRevision(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "rev") {
		n := strings.TrimLeft(v[3:], ". ")
		return "Rev. " + n
	}
	return v
}
