// Package report 将映射后的记录汇编为单一报告值（Document）。渲染与落盘由外部协作者完成。
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"nistsentinel/internal/diag"
	"nistsentinel/pkg/contract"
)

// DefaultImpact: 既无参考事实也无正文段落时的影响说明。
const DefaultImpact = "Review this publication for changes that affect secure development practices."

// Assembler: 报告汇编器。
type Assembler struct {
	sum    contract.Summarizer
	facts  contract.ReferenceFacts
	logger *diag.Logger
	now    func() time.Time
}

// New 构造汇编器。sum 为空时执行摘要直接采用模板段落。
func New(sum contract.Summarizer, facts contract.ReferenceFacts, logger *diag.Logger) *Assembler {
	if logger == nil {
		logger = diag.Nop()
	}
	return &Assembler{sum: sum, facts: facts, logger: logger, now: time.Now}
}

// WithClock 覆盖时钟（测试用）。
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Assemble 产出固定顺序的报告：执行摘要、按发布日期降序的小节、单一速查表、去重引用。
// 摘要调用失败时回退为模板段落，Document 仍完整，并返回包装 ErrSummaryUnavailable 的错误。
func (a *Assembler) Assemble(ctx context.Context, recs []contract.PublicationRecord) (contract.Document, error) {
	doc := contract.Document{
		Title:       "NIST SP 800 Compliance Update",
		GeneratedAt: a.now().UTC(),
	}

	ordered := append([]contract.PublicationRecord(nil), recs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PublishedDate.After(ordered[j].PublishedDate)
	})

	seenURL := map[string]struct{}{}
	items := make([]contract.RecordSummary, 0, len(ordered))
	for _, r := range ordered {
		sec := a.section(r)
		doc.Sections = append(doc.Sections, sec)
		doc.Table = append(doc.Table, row(r))
		if u := r.SourceURL; u != "" {
			if _, dup := seenURL[u]; !dup {
				seenURL[u] = struct{}{}
				doc.Citations = append(doc.Citations, contract.Citation{Label: r.DisplayName() + ": " + shortTitle(r), URL: u})
			}
		}
		items = append(items, contract.RecordSummary{
			ID: r.ID, Title: r.Title, Status: r.Status, Date: r.PublishedDate,
			Controls: controlNames(r.ControlMappings), Note: sec.ImpactNote,
		})
	}

	summary, err := a.summarize(ctx, items)
	if err != nil {
		doc.ExecutiveSummary = FallbackSummary(items)
		doc.SummaryFallback = true
		return doc, err
	}
	doc.ExecutiveSummary = summary
	return doc, nil
}

func (a *Assembler) summarize(ctx context.Context, items []contract.RecordSummary) (string, error) {
	if a.sum == nil {
		return "", fmt.Errorf("no summarizer configured: %w", contract.ErrSummaryUnavailable)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("no records: %w", contract.ErrSummaryUnavailable)
	}
	s, err := a.sum.Summarize(ctx, items)
	if err != nil {
		return "", fmt.Errorf("%w: %w", contract.ErrSummaryUnavailable, err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty summary: %w", contract.ErrSummaryUnavailable)
	}
	return a.fixAliases(s), nil
}

// fixAliases 将摘要中的已知错误编号替换为正确编号。
func (a *Assembler) fixAliases(s string) string {
	aliases := a.facts.Aliases()
	from := make([]string, 0, len(aliases))
	for k := range aliases {
		from = append(from, string(k))
	}
	sort.Strings(from)
	for _, k := range from {
		to := string(aliases[contract.PublicationID(k)])
		if strings.Contains(s, k) {
			a.logger.Warn("assembler", diag.CodeDegraded.String(), "summary reference corrected", "", diag.KV("from", k, "to", to))
			s = strings.ReplaceAll(s, k, to)
		}
	}
	return s
}

func (a *Assembler) section(r contract.PublicationRecord) contract.Section {
	return contract.Section{
		RecordID:      r.ID,
		Title:         r.Title,
		Status:        r.Status,
		PublishedDate: r.PublishedDate,
		ErrataDate:    r.ErrataDate,
		SourceURL:     r.SourceURL,
		ImpactNote:    a.impact(r),
		Controls:      append([]contract.ControlReference(nil), r.ControlMappings...),
		Verified:      r.Verified,
		UsedFallback:  r.UsedFallback(),
	}
}

// impact 依次取参考事实、正文首段、固定句。
func (a *Assembler) impact(r contract.PublicationRecord) string {
	if f, ok := a.facts.Lookup(r.ID); ok && strings.TrimSpace(f.Impact) != "" {
		return strings.TrimSpace(f.Impact)
	}
	if p := FirstParagraph(r.RawContent); p != "" {
		return p
	}
	return DefaultImpact
}

func row(r contract.PublicationRecord) contract.TableRow {
	date := r.PublishedDate.String()
	if !r.ErrataDate.IsZero() {
		date += " (errata " + r.ErrataDate.String() + ")"
	}
	if date == "" {
		date = "Unknown"
	}
	controls := "None"
	if len(r.ControlMappings) > 0 {
		controls = strings.Join(controlNames(r.ControlMappings), ", ")
	}
	return contract.TableRow{
		Publication:    r.DisplayName(),
		Status:         r.Status.String(),
		Date:           date,
		MappedControls: controls,
	}
}

func controlNames(refs []contract.ControlReference) []string {
	out := make([]string, 0, len(refs))
	for _, c := range refs {
		out = append(out, c.String())
	}
	return out
}

// shortTitle 去掉 "NIST SP 800-xxx:" 前缀。
func shortTitle(r contract.PublicationRecord) string {
	t := r.Title
	if i := strings.Index(t, ": "); i >= 0 && strings.Contains(t[:i], string(r.ID)) {
		t = t[i+2:]
	}
	if t == "" {
		return string(r.ID)
	}
	return t
}

// 正文首段中跳过的元数据行前缀。
var metaPrefixes = []string{"published:", "version:", "status:", "errata:", "url:", "date:"}

// FirstParagraph 返回正文中首个非标题、非元数据、非列表的段落（最多 320 字节，按词截断）。
func FirstParagraph(content string) string {
	for _, block := range strings.Split(content, "\n\n") {
		var kept []string
		for _, line := range strings.Split(block, "\n") {
			l := strings.TrimSpace(line)
			if l == "" || strings.HasPrefix(l, "#") || strings.HasPrefix(l, "- ") || strings.HasPrefix(l, "* ") || isMeta(l) {
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			continue
		}
		return truncate(strings.Join(kept, " "), 320)
	}
	return ""
}

func isMeta(l string) bool {
	low := strings.ToLower(l)
	for _, p := range metaPrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		// 无空格时退到 rune 起点
		cut = max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return strings.TrimRight(s[:cut], ",;:") + "..."
}

// FallbackSummary 在摘要不可用时生成确定性段落。
func FallbackSummary(items []contract.RecordSummary) string {
	if len(items) == 0 {
		return "No NIST SP 800 publications were processed in this run."
	}
	var drafts, mapped int
	names := make([]string, 0, 3)
	for i, it := range items {
		if it.Status == contract.StatusDraft {
			drafts++
		}
		if len(it.Controls) > 0 {
			mapped++
		}
		if i < 3 {
			n := "SP " + string(it.ID)
			if !it.Date.IsZero() {
				n += " (" + it.Date.String() + ")"
			}
			names = append(names, n)
		}
	}
	var b strings.Builder
	b.WriteString("Recent NIST publications enhance security requirements for software development organizations. ")
	fmt.Fprintf(&b, "This update covers %d publication(s), led by %s. ", len(items), strings.Join(names, ", "))
	fmt.Fprintf(&b, "%d publication(s) map to SP 800-53, SP 800-171 or SSDF controls", mapped)
	if drafts > 0 {
		fmt.Fprintf(&b, ", and %d remain in draft", drafts)
	}
	b.WriteString(". Organizations must align SDLC practices with the latest NIST guidance.")
	return b.String()
}
