package markdown

import (
	"context"
	"fmt"
	"io"
	"strings"

	"nistsentinel/pkg/contract"
)

// Options: Markdown 渲染配置。
type Options struct {
	// Footer: 报告末尾的免责声明；为空时使用默认文本。
	Footer string `yaml:"footer"`
}

// DefaultFooter: 默认免责声明。
const DefaultFooter = "This report was generated automatically. Verify requirements against the official NIST publications before acting on them."

// 章节标题（顺序即渲染顺序，与报告自检的必需章节一致）。
const (
	headSummary    = "Executive Summary"
	headUpdates    = "Latest Updates Discovered"
	headImpact     = "Impact on Software Development Organizations"
	headActions    = "Key Actions and Checklist"
	headTable      = "Quick Reference Table"
	headReferences = "References and Citations"
)

type renderer struct {
	footer string
}

func New(opts *Options) contract.Renderer {
	r := &renderer{footer: DefaultFooter}
	if opts != nil && strings.TrimSpace(opts.Footer) != "" {
		r.footer = strings.TrimSpace(opts.Footer)
	}
	return r
}

// Render 按固定章节顺序输出；全文仅包含一张表。
func (r *renderer) Render(ctx context.Context, doc contract.Document) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var b strings.Builder
	date := doc.GeneratedAt.UTC().Format("2006-01-02")
	fmt.Fprintf(&b, "# %s - %s\n\n", doc.Title, date)
	fmt.Fprintf(&b, "*Generated: %s*\n\n", doc.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"))

	heading(&b, headSummary)
	b.WriteString(oneLine(doc.ExecutiveSummary))
	b.WriteString("\n\n")
	if doc.SummaryFallback {
		b.WriteString("_Summary generated from a deterministic template because the language model was unavailable._\n\n")
	}

	heading(&b, headUpdates)
	if len(doc.Sections) == 0 {
		b.WriteString("No publications were processed in this run.\n\n")
	}
	for _, s := range doc.Sections {
		writeSection(&b, s)
	}

	heading(&b, headImpact)
	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "- **%s:** %s\n", name(s), oneLine(s.ImpactNote))
	}
	b.WriteString("\n")

	heading(&b, headActions)
	writeActions(&b, doc.Sections)

	heading(&b, headTable)
	writeTable(&b, doc.Table)

	heading(&b, headReferences)
	for i, c := range doc.Citations {
		fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, linkText(c.Label), c.URL)
	}
	b.WriteString("\n---\n\n")
	fmt.Fprintf(&b, "*%s*\n", r.footer)
	return strings.NewReader(b.String()), nil
}

func heading(b *strings.Builder, title string) { fmt.Fprintf(b, "## %s\n\n", title) }

func name(s contract.Section) string { return "SP " + string(s.RecordID) }

func writeSection(b *strings.Builder, s contract.Section) {
	title := s.Title
	if !strings.Contains(title, string(s.RecordID)) {
		title = strings.TrimSuffix(name(s)+": "+title, ": ")
	}
	fmt.Fprintf(b, "### %s\n\n", oneLine(title))
	meta := []string{"**Status:** " + badge(s.Status)}
	if !s.PublishedDate.IsZero() {
		meta = append(meta, "**Published:** "+s.PublishedDate.String())
	}
	if !s.ErrataDate.IsZero() {
		meta = append(meta, "**Errata:** "+s.ErrataDate.String())
	}
	b.WriteString(strings.Join(meta, " · "))
	b.WriteString("\n\n")
	if s.SourceURL != "" {
		fmt.Fprintf(b, "**Source:** %s\n\n", s.SourceURL)
	}
	switch s.Status {
	case contract.StatusDraft:
		b.WriteString("> **Draft:** requirements may change before the final release.\n\n")
	case contract.StatusWithdrawn:
		b.WriteString("> **Withdrawn:** do not adopt this publication for new work.\n\n")
	}
	if s.UsedFallback {
		b.WriteString("_Page content could not be extracted; reference content was used._\n\n")
	}
	if !s.Verified {
		b.WriteString("_Metadata not verified against reference facts._\n\n")
	}
	if len(s.Controls) > 0 {
		b.WriteString("**Mapped controls:**\n\n")
		for _, c := range s.Controls {
			fmt.Fprintf(b, "- %s", c.String())
			if c.RelevanceNote != "" {
				fmt.Fprintf(b, ": %s", oneLine(c.RelevanceNote))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}

// badge 显式标注 Draft / Withdrawn，Draft 不会呈现为 Final。
func badge(st contract.Status) string {
	switch st {
	case contract.StatusDraft:
		return "DRAFT"
	case contract.StatusWithdrawn:
		return "WITHDRAWN"
	default:
		return st.String()
	}
}

func writeActions(b *strings.Builder, secs []contract.Section) {
	for _, s := range secs {
		if len(s.Controls) == 0 {
			continue
		}
		fmt.Fprintf(b, "**%s**\n\n", name(s))
		for _, c := range s.Controls {
			fmt.Fprintf(b, "- [ ] Implement %s", c.String())
			if c.RelevanceNote != "" {
				fmt.Fprintf(b, " (%s)", oneLine(c.RelevanceNote))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("**General**\n\n")
	b.WriteString("- [ ] Review SDLC policies against the publications listed above\n")
	b.WriteString("- [ ] Track draft publications for changes before final release\n\n")
}

func writeTable(b *strings.Builder, rows []contract.TableRow) {
	cols := contract.TableColumns
	fmt.Fprintf(b, "| %s | %s | %s | %s |\n", cols[0], cols[1], cols[2], cols[3])
	b.WriteString("|---|---|---|---|\n")
	for _, r := range rows {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", cell(r.Publication), cell(r.Status), cell(r.Date), cell(r.MappedControls))
	}
	b.WriteString("\n")
}

func cell(s string) string { return strings.ReplaceAll(oneLine(s), "|", `\|`) }

var linkEscaper = strings.NewReplacer(`[`, `\[`, `]`, `\]`)

func linkText(s string) string { return linkEscaper.Replace(oneLine(s)) }

// oneLine 折叠换行，避免正文片段破坏 Markdown 结构。
func oneLine(s string) string { return strings.Join(strings.Fields(s), " ") }
