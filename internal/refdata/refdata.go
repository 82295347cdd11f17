// Package refdata 装载只读参考数据：权威事实、目录白名单、确定性映射、检索目录、兜底正文与相关性词表。
// 数据默认内嵌（go:embed），可按文件路径逐项覆盖；进程内装载一次后按值显式传递。
package refdata

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nistsentinel/pkg/contract"
)

//go:embed data/*.yaml
var embedded embed.FS

// Paths: 覆盖文件路径；空串表示使用内嵌数据。
type Paths struct {
	Facts     string `yaml:"facts"`
	Taxonomy  string `yaml:"taxonomy"`
	Mappings  string `yaml:"mappings"`
	Catalog   string `yaml:"catalog"`
	Fallback  string `yaml:"fallback"`
	Relevance string `yaml:"relevance"`
}

// CatalogEntry: 静态检索目录的一项（原始、未规范化）。
type CatalogEntry struct {
	ID        string `yaml:"id" validate:"required"`
	Title     string `yaml:"title" validate:"required"`
	URL       string `yaml:"url" validate:"required,url"`
	Published string `yaml:"published" validate:"required,datetime=2006-01-02"`
	Version   string `yaml:"version"`
	Errata    string `yaml:"errata" validate:"omitempty,datetime=2006-01-02"`
	Status    string `yaml:"status" validate:"omitempty,oneof=Final Draft Withdrawn"`
}

// Fallback: 页面抽取失败时的兜底正文。
type Fallback struct {
	Generic string
	Content map[contract.PublicationID]string
}

// For 返回 id 的兜底正文；未命中时以 title/url 填充通用模板。
func (f Fallback) For(id contract.PublicationID, title, url string) string {
	if s, ok := f.Content[id]; ok {
		return strings.TrimSpace(s)
	}
	if title == "" {
		title = "NIST Publication"
	}
	r := strings.NewReplacer("{title}", title, "{url}", url)
	return strings.TrimSpace(r.Replace(f.Generic))
}

// Relevance: 相关性过滤的关键词与排除表。
type Relevance struct {
	Stems   []string
	Exclude []contract.PublicationID
}

// Excluded 报告 id 是否在排除表内。
func (r Relevance) Excluded(id contract.PublicationID) bool {
	for _, x := range r.Exclude {
		if x == id {
			return true
		}
	}
	return false
}

// Bundle: 一次运行使用的全部参考数据（只读）。
type Bundle struct {
	Facts     contract.ReferenceFacts
	Taxonomy  contract.Taxonomy
	Stems     []string
	Mappings  contract.MappingTable
	Catalog   []CatalogEntry
	Fallback  Fallback
	Relevance Relevance
}

// Default 装载全部内嵌数据。
func Default() (*Bundle, error) { return Load(Paths{}) }

// Load 逐项读取（覆盖路径或内嵌）并校验，返回只读 Bundle。
func Load(p Paths) (*Bundle, error) {
	v := validator.New()
	b := &Bundle{}

	var facts factsFile
	if err := readInto(p.Facts, "facts.yaml", &facts); err != nil {
		return nil, err
	}
	rf, err := facts.build(v)
	if err != nil {
		return nil, err
	}
	b.Facts = rf

	var tax taxonomyFile
	if err := readInto(p.Taxonomy, "taxonomy.yaml", &tax); err != nil {
		return nil, err
	}
	if b.Taxonomy, err = tax.build(); err != nil {
		return nil, err
	}
	b.Stems = lowerAll(tax.Stems)

	var mf mappingsFile
	if err := readInto(p.Mappings, "mappings.yaml", &mf); err != nil {
		return nil, err
	}
	if b.Mappings, err = mf.build(b.Taxonomy); err != nil {
		return nil, err
	}

	var cf catalogFile
	if err := readInto(p.Catalog, "catalog.yaml", &cf); err != nil {
		return nil, err
	}
	for i, e := range cf.Publications {
		if err := v.Struct(e); err != nil {
			return nil, fmt.Errorf("catalog[%d] %q: %w: %v", i, e.ID, contract.ErrInvalidInput, err)
		}
	}
	b.Catalog = cf.Publications

	var fb fallbackFile
	if err := readInto(p.Fallback, "fallback.yaml", &fb); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fb.Generic) == "" {
		return nil, fmt.Errorf("fallback: generic template empty: %w", contract.ErrInvalidInput)
	}
	b.Fallback = Fallback{Generic: fb.Generic, Content: make(map[contract.PublicationID]string, len(fb.Content))}
	for k, s := range fb.Content {
		b.Fallback.Content[contract.PublicationID(k)] = s
	}

	var rel relevanceFile
	if err := readInto(p.Relevance, "relevance.yaml", &rel); err != nil {
		return nil, err
	}
	b.Relevance = Relevance{Stems: lowerAll(rel.Stems)}
	for _, id := range rel.Exclude {
		b.Relevance.Exclude = append(b.Relevance.Exclude, contract.PublicationID(id))
	}
	return b, nil
}

// readInto 严格解码（未知字段报错）。
func readInto(override, name string, out any) error {
	var (
		data []byte
		err  error
		src  = name
	)
	if override != "" {
		src = override
		data, err = os.ReadFile(override)
	} else {
		data, err = embedded.ReadFile("data/" + name)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w: %v", src, contract.ErrInvalidInput, err)
	}
	return nil
}

type factYAML struct {
	Title         string `yaml:"title" validate:"required"`
	Revision      string `yaml:"revision"`
	Status        string `yaml:"status" validate:"required,oneof=Final Draft Withdrawn"`
	PublishedDate string `yaml:"published_date" validate:"required,datetime=2006-01-02"`
	ErrataDate    string `yaml:"errata_date" validate:"omitempty,datetime=2006-01-02"`
	URL           string `yaml:"url" validate:"required,url"`
	Impact        string `yaml:"impact"`
}

type factsFile struct {
	Facts   map[string]factYAML `yaml:"facts"`
	Aliases map[string]string   `yaml:"aliases"`
	Invalid []string            `yaml:"invalid"`
}

func (f factsFile) build(v *validator.Validate) (contract.ReferenceFacts, error) {
	out := make(map[contract.PublicationID]contract.ReferenceFact, len(f.Facts))
	for k, y := range f.Facts {
		id := contract.PublicationID(k)
		if !contract.ValidPublicationID(id) {
			return contract.ReferenceFacts{}, fmt.Errorf("facts: id %q: %w", k, contract.ErrInvalidInput)
		}
		if err := v.Struct(y); err != nil {
			return contract.ReferenceFacts{}, fmt.Errorf("facts %s: %w: %v", k, contract.ErrInvalidInput, err)
		}
		st, _ := contract.ParseStatus(y.Status)
		pub, _ := contract.ParseDate(y.PublishedDate)
		errata, _ := contract.ParseDate(y.ErrataDate)
		if !errata.IsZero() && errata.Before(pub) {
			return contract.ReferenceFacts{}, fmt.Errorf("facts %s: errata %s before published %s: %w", k, errata, pub, contract.ErrInvariantViolation)
		}
		fact := contract.ReferenceFact{
			Title:         y.Title,
			Revision:      y.Revision,
			Status:        st,
			PublishedDate: pub,
			ErrataDate:    errata,
			URL:           y.URL,
			Impact:        y.Impact,
		}
		if err := v.Struct(fact); err != nil {
			return contract.ReferenceFacts{}, fmt.Errorf("facts %s: %w: %v", k, contract.ErrInvalidInput, err)
		}
		out[id] = fact
	}
	aliases := make(map[contract.PublicationID]contract.PublicationID, len(f.Aliases))
	for from, to := range f.Aliases {
		aliases[contract.PublicationID(from)] = contract.PublicationID(to)
	}
	invalid := make([]contract.PublicationID, 0, len(f.Invalid))
	for _, id := range f.Invalid {
		invalid = append(invalid, contract.PublicationID(id))
	}
	return contract.NewReferenceFacts(out, aliases, invalid), nil
}

type taxonomyFile struct {
	Catalogs map[string][]string `yaml:"catalogs"`
	Stems    []string            `yaml:"stems"`
}

func (t taxonomyFile) build() (contract.Taxonomy, error) {
	m := make(map[contract.Catalog][]string, len(t.Catalogs))
	for name, ids := range t.Catalogs {
		c, err := contract.ParseCatalog(name)
		if err != nil {
			return contract.Taxonomy{}, fmt.Errorf("taxonomy: %w", err)
		}
		m[c] = append(m[c], ids...)
	}
	for _, c := range contract.Catalogs {
		if len(m[c]) == 0 {
			return contract.Taxonomy{}, fmt.Errorf("taxonomy: catalog %s empty: %w", c, contract.ErrInvalidInput)
		}
	}
	return contract.NewTaxonomy(m), nil
}

type controlYAML struct {
	Catalog    string `yaml:"catalog"`
	Identifier string `yaml:"identifier"`
	Note       string `yaml:"note"`
}

type mappingYAML struct {
	Complete bool          `yaml:"complete"`
	Controls []controlYAML `yaml:"controls"`
}

type mappingsFile struct {
	Mappings map[string]mappingYAML `yaml:"mappings"`
}

// build 校验每个确定性映射都落在白名单内。
func (f mappingsFile) build(tax contract.Taxonomy) (contract.MappingTable, error) {
	out := make(contract.MappingTable, len(f.Mappings))
	for k, m := range f.Mappings {
		entry := contract.MappingEntry{Complete: m.Complete}
		for _, c := range m.Controls {
			cat, err := contract.ParseCatalog(c.Catalog)
			if err != nil {
				return nil, fmt.Errorf("mappings %s: %w", k, err)
			}
			if !tax.Contains(cat, c.Identifier) {
				return nil, fmt.Errorf("mappings %s: %s %s not in whitelist: %w", k, cat, c.Identifier, contract.ErrInvariantViolation)
			}
			entry.Controls = append(entry.Controls, contract.ControlReference{Catalog: cat, Identifier: c.Identifier, RelevanceNote: c.Note})
		}
		out[contract.PublicationID(k)] = entry
	}
	return out, nil
}

type catalogFile struct {
	Publications []CatalogEntry `yaml:"publications"`
}

type fallbackFile struct {
	Generic string            `yaml:"generic"`
	Content map[string]string `yaml:"content"`
}

type relevanceFile struct {
	Stems   []string `yaml:"stems"`
	Exclude []string `yaml:"exclude"`
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
