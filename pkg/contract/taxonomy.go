package contract

import (
	"fmt"
	"sort"
	"strings"
)

// Catalog: 三个固定控制目录。数值顺序即输出排序顺序。
type Catalog int

const (
	CatalogSP80053 Catalog = iota + 1
	CatalogSP800171
	CatalogSSDF
)

// Catalogs 按输出顺序列出全部目录。
var Catalogs = []Catalog{CatalogSP80053, CatalogSP800171, CatalogSSDF}

func (c Catalog) String() string {
	switch c {
	case CatalogSP80053:
		return "SP800-53"
	case CatalogSP800171:
		return "SP800-171"
	case CatalogSSDF:
		return "SSDF"
	default:
		return "unknown"
	}
}

// ParseCatalog 接受规范名与常见别名（sp_800_53、800-53、ssdf 等）。
func ParseCatalog(s string) (Catalog, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("_", "-", " ", "-").Replace(v)
	v = strings.TrimPrefix(v, "sp")
	v = strings.TrimPrefix(v, "-")
	switch v {
	case "800-53", "80053":
		return CatalogSP80053, nil
	case "800-171", "800171":
		return CatalogSP800171, nil
	case "ssdf", "800-218":
		return CatalogSSDF, nil
	}
	return 0, fmt.Errorf("catalog %q: %w", s, ErrInvalidInput)
}

func (c Catalog) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Catalog) UnmarshalText(b []byte) error {
	v, err := ParseCatalog(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ControlReference: 指向某目录中一个条目的引用。
type ControlReference struct {
	Catalog       Catalog `yaml:"catalog" json:"catalog"`
	Identifier    string  `yaml:"identifier" json:"identifier"`
	RelevanceNote string  `yaml:"note" json:"relevance_note,omitempty"`
}

// Key 返回 (catalog, identifier) 去重键。
func (c ControlReference) Key() string { return c.Catalog.String() + "|" + c.Identifier }

func (c ControlReference) String() string { return c.Catalog.String() + " " + c.Identifier }

// Taxonomy: 各目录的静态白名单（只读；构造后不得修改）。
type Taxonomy struct {
	ids map[Catalog]map[string]struct{}
}

// NewTaxonomy 从目录→标识符列表构造白名单。
func NewTaxonomy(m map[Catalog][]string) Taxonomy {
	t := Taxonomy{ids: make(map[Catalog]map[string]struct{}, len(m))}
	for c, list := range m {
		set := make(map[string]struct{}, len(list))
		for _, id := range list {
			if id = strings.TrimSpace(id); id != "" {
				set[id] = struct{}{}
			}
		}
		t.ids[c] = set
	}
	return t
}

// Contains 判断 identifier 是否在该目录白名单内（大小写敏感，精确匹配）。
func (t Taxonomy) Contains(c Catalog, identifier string) bool {
	set, ok := t.ids[c]
	if !ok {
		return false
	}
	_, ok = set[identifier]
	return ok
}

// Identifiers 返回目录内已排序的标识符副本。
func (t Taxonomy) Identifiers(c Catalog) []string {
	set := t.ids[c]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len 返回全部目录的条目总数。
func (t Taxonomy) Len() int {
	n := 0
	for _, set := range t.ids {
		n += len(set)
	}
	return n
}

// ReferenceFact: 静态权威元数据。
type ReferenceFact struct {
	Title         string `validate:"required"`
	Revision      string
	Status        Status `validate:"required"`
	PublishedDate Date
	ErrataDate    Date
	URL           string `validate:"omitempty,url"`
	Impact        string
}

// ReferenceFacts: 只读事实表（按值传递，底层 map 构造后不再写）。
type ReferenceFacts struct {
	facts   map[PublicationID]ReferenceFact
	aliases map[PublicationID]PublicationID
	invalid map[PublicationID]struct{}
}

// NewReferenceFacts 构造事实表；aliases 将已知错误编号映射到正确编号。
func NewReferenceFacts(facts map[PublicationID]ReferenceFact, aliases map[PublicationID]PublicationID, invalid []PublicationID) ReferenceFacts {
	rf := ReferenceFacts{
		facts:   make(map[PublicationID]ReferenceFact, len(facts)),
		aliases: make(map[PublicationID]PublicationID, len(aliases)),
		invalid: make(map[PublicationID]struct{}, len(invalid)),
	}
	for k, v := range facts {
		rf.facts[k] = v
	}
	for k, v := range aliases {
		rf.aliases[k] = v
	}
	for _, id := range invalid {
		rf.invalid[id] = struct{}{}
	}
	return rf
}

// Lookup 返回 id 对应事实（值拷贝）。
func (r ReferenceFacts) Lookup(id PublicationID) (ReferenceFact, bool) {
	f, ok := r.facts[id]
	return f, ok
}

// Alias 返回已知错误编号的更正值。
func (r ReferenceFacts) Alias(id PublicationID) (PublicationID, bool) {
	v, ok := r.aliases[id]
	return v, ok
}

// Aliases 返回更正表副本。
func (r ReferenceFacts) Aliases() map[PublicationID]PublicationID {
	out := make(map[PublicationID]PublicationID, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// IsInvalid 报告 id 是否属于不应出现在报告中的编号。
func (r ReferenceFacts) IsInvalid(id PublicationID) bool {
	_, ok := r.invalid[id]
	return ok
}

// Invalid 返回已排序的无效编号列表。
func (r ReferenceFacts) Invalid() []PublicationID {
	out := make([]PublicationID, 0, len(r.invalid))
	for id := range r.invalid {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDs 返回已排序的全部事实编号。
func (r ReferenceFacts) IDs() []PublicationID {
	out := make([]PublicationID, 0, len(r.facts))
	for id := range r.facts {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MappingEntry: 确定性映射表的一项。Complete=true 时跳过内容阶段。
type MappingEntry struct {
	Complete bool
	Controls []ControlReference
}

// MappingTable: 出版物编号 → 确定性映射（只读）。
type MappingTable map[PublicationID]MappingEntry
