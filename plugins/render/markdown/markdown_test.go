package markdown

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/internal/check"
	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
)

func sampleDoc() contract.Document {
	return contract.Document{
		Title:            "NIST SP 800 Compliance Update",
		GeneratedAt:      time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC),
		ExecutiveSummary: "Recent guidance\nraises the bar.",
		Sections: []contract.Section{
			{
				RecordID: "800-218A", Title: "NIST SP 800-218A: SSDF Community Profile for Generative AI",
				Status: contract.StatusFinal, PublishedDate: contract.MustDate("2024-07-26"),
				SourceURL: "https://csrc.nist.gov/pubs/sp/800/218/a/final", ImpactNote: "Extend SSDF to models.",
				Controls: []contract.ControlReference{{Catalog: contract.CatalogSP80053, Identifier: "SA-15", RelevanceNote: "Development process"}},
				Verified: true,
			},
			{
				RecordID: "800-228", Title: "Guidelines for API Protection",
				Status: contract.StatusDraft, PublishedDate: contract.MustDate("2025-03-25"),
				SourceURL: "https://csrc.nist.gov/pubs/sp/800/228/ipd", ImpactNote: "APIs | gateways",
				UsedFallback: true,
			},
		},
		Table: []contract.TableRow{
			{Publication: "SP 800-218A", Status: "Final", Date: "2024-07-26", MappedControls: "SP800-53 SA-15"},
			{Publication: "SP 800-228", Status: "Draft", Date: "2025-03-25", MappedControls: "None"},
		},
		Citations: []contract.Citation{{Label: "SP 800-218A", URL: "https://csrc.nist.gov/pubs/sp/800/218/a/final"}},
	}
}

func render(t *testing.T, doc contract.Document, opts *Options) string {
	t.Helper()
	r, err := New(opts).Render(context.Background(), doc)
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

// UT-RND-01: 章节顺序、单表、Draft 徽标、单元格转义
func TestRenderStructure(t *testing.T) {
	md := render(t, sampleDoc(), nil)

	last := -1
	for _, s := range check.RequiredSections {
		i := strings.Index(md, "## "+s+"\n")
		require.GreaterOrEqual(t, i, 0, s)
		assert.Greater(t, i, last, "section order: %s", s)
		last = i
	}
	assert.Equal(t, 1, strings.Count(md, "|---|---|---|---|"))
	assert.Contains(t, md, "# NIST SP 800 Compliance Update - 2026-10-15")
	assert.Contains(t, md, "Recent guidance raises the bar.")
	assert.Contains(t, md, "### SP 800-228: Guidelines for API Protection")
	assert.Contains(t, md, "**Status:** DRAFT")
	assert.NotContains(t, md, "800-228 | Final")
	assert.Contains(t, md, "- [ ] Implement SP800-53 SA-15 (Development process)")
	assert.Contains(t, md, "_Metadata not verified against reference facts._")
	assert.Contains(t, md, `APIs | gateways`)
	assert.Contains(t, md, DefaultFooter)
}

// UT-RND-02: 渲染结果通过自检（无 error 级问题）
func TestRenderPassesCheck(t *testing.T) {
	b, err := refdata.Default()
	require.NoError(t, err)
	doc := sampleDoc()
	doc.SummaryFallback = true
	md := render(t, doc, &Options{Footer: "custom"})
	rep := check.Run(md, b.Facts)
	assert.Empty(t, rep.Errors)
	assert.NotEqual(t, check.StatusFailed, rep.Status)
	assert.Contains(t, md, "deterministic template")
	assert.Contains(t, md, "*custom*")
}

// UT-RND-03: 表格单元格中的竖线被转义
func TestRenderEscapesCells(t *testing.T) {
	doc := sampleDoc()
	doc.Table[0].MappedControls = "a | b"
	md := render(t, doc, nil)
	assert.Contains(t, md, `a \| b`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Render(ctx, doc)
	assert.ErrorIs(t, err, context.Canceled)
}

// UT-RND-04: 引用标签折叠换行并转义方括号
func TestRenderEscapesCitationLabel(t *testing.T) {
	doc := sampleDoc()
	doc.Citations[0].Label = "SP 800-218A\n[Final]"
	md := render(t, doc, nil)
	assert.Contains(t, md, `1. [SP 800-218A \[Final\]](https://csrc.nist.gov/pubs/sp/800/218/a/final)`)
}
