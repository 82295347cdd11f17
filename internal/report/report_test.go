package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/pkg/contract"
)

type stubSummarizer struct {
	text  string
	err   error
	items []contract.RecordSummary
}

func (s *stubSummarizer) Summarize(_ context.Context, items []contract.RecordSummary) (string, error) {
	s.items = items
	return s.text, s.err
}

func facts() contract.ReferenceFacts {
	return contract.NewReferenceFacts(map[contract.PublicationID]contract.ReferenceFact{
		"800-218": {Title: "NIST SP 800-218: SSDF", Status: contract.StatusFinal, Impact: "SSDF baseline."},
	}, map[contract.PublicationID]contract.PublicationID{"800-204C": "800-204D"}, nil)
}

func records() []contract.PublicationRecord {
	return []contract.PublicationRecord{
		{
			ID: "800-218", Title: "NIST SP 800-218: SSDF", Revision: "v1.1", Status: contract.StatusFinal,
			PublishedDate: contract.MustDate("2022-02-04"), SourceURL: "https://csrc.nist.gov/pubs/sp/800/218/final",
			Outcome: contract.Fetched, Verified: true,
			ControlMappings: []contract.ControlReference{{Catalog: contract.CatalogSSDF, Identifier: "PO.1"}},
		},
		{
			ID: "800-218A", Title: "NIST SP 800-218A: GenAI profile", Status: contract.StatusDraft,
			PublishedDate: contract.MustDate("2024-07-26"), SourceURL: "https://csrc.nist.gov/pubs/sp/800/218/a/final",
			RawContent: "# Source: x\n\nPublished: 2024-07-26\n\n## Overview\nExtension of SSDF for generative AI.\n\n- list",
			Outcome:    contract.FallenBack,
		},
		{
			ID: "800-161", Title: "C-SCRM", Revision: "Rev. 1", Status: contract.StatusFinal,
			PublishedDate: contract.MustDate("2022-02-04"), ErrataDate: contract.MustDate("2024-11-01"),
			SourceURL: "https://csrc.nist.gov/pubs/sp/800/218/final",
		},
	}
}

var fixed = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// UT-REP-01: 小节按发布日期降序（并列保持输入顺序），单表逐条一行，引用去重
func TestAssembleStructure(t *testing.T) {
	sum := &stubSummarizer{text: "  Teams must adopt SSDF; see SP 800-204C.  "}
	doc, err := New(sum, facts(), nil).WithClock(func() time.Time { return fixed }).Assemble(context.Background(), records())
	require.NoError(t, err)

	assert.Equal(t, fixed, doc.GeneratedAt)
	require.Len(t, doc.Sections, 3)
	assert.Equal(t, contract.PublicationID("800-218A"), doc.Sections[0].RecordID)
	assert.Equal(t, contract.PublicationID("800-218"), doc.Sections[1].RecordID)
	assert.Equal(t, contract.PublicationID("800-161"), doc.Sections[2].RecordID)
	assert.True(t, doc.Sections[0].UsedFallback)

	require.Len(t, doc.Table, 3)
	assert.Equal(t, contract.TableRow{Publication: "SP 800-218A", Status: "Draft", Date: "2024-07-26", MappedControls: "None"}, doc.Table[0])
	assert.Equal(t, contract.TableRow{Publication: "SP 800-218 v1.1", Status: "Final", Date: "2022-02-04", MappedControls: "SSDF PO.1"}, doc.Table[1])
	assert.Equal(t, "2022-02-04 (errata 2024-11-01)", doc.Table[2].Date)

	require.Len(t, doc.Citations, 2)
	assert.Equal(t, "https://csrc.nist.gov/pubs/sp/800/218/a/final", doc.Citations[0].URL)
	assert.Equal(t, "SP 800-218A: GenAI profile", doc.Citations[0].Label)
	assert.Equal(t, "https://csrc.nist.gov/pubs/sp/800/218/final", doc.Citations[1].URL)

	assert.Equal(t, "Teams must adopt SSDF; see SP 800-204D.", doc.ExecutiveSummary)
	assert.False(t, doc.SummaryFallback)
	require.Len(t, sum.items, 3)
	assert.Equal(t, []string{"SSDF PO.1"}, sum.items[1].Controls)
}

// UT-REP-02: 影响说明来源优先级
func TestImpactSources(t *testing.T) {
	doc, err := New(&stubSummarizer{text: "ok"}, facts(), nil).Assemble(context.Background(), records())
	require.NoError(t, err)
	assert.Equal(t, "Extension of SSDF for generative AI.", doc.Sections[0].ImpactNote)
	assert.Equal(t, "SSDF baseline.", doc.Sections[1].ImpactNote)
	assert.Equal(t, DefaultImpact, doc.Sections[2].ImpactNote)
}

// UT-REP-03: 摘要失败时回退为模板段落，报告仍完整
func TestAssembleSummaryFallback(t *testing.T) {
	for name, s := range map[string]contract.Summarizer{
		"error": &stubSummarizer{err: contract.ErrRateLimited},
		"empty": &stubSummarizer{text: "   "},
		"nil":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			doc, err := New(s, facts(), nil).Assemble(context.Background(), records())
			require.Error(t, err)
			assert.True(t, errors.Is(err, contract.ErrSummaryUnavailable))
			assert.True(t, doc.SummaryFallback)
			assert.True(t, strings.HasPrefix(doc.ExecutiveSummary, "Recent NIST publications enhance security requirements"))
			assert.Contains(t, doc.ExecutiveSummary, "SP 800-218A (2024-07-26)")
			assert.Contains(t, doc.ExecutiveSummary, "1 remain in draft")
			assert.Len(t, doc.Table, 3)
		})
	}
}

// UT-REP-04: 空记录集
func TestAssembleEmpty(t *testing.T) {
	doc, err := New(&stubSummarizer{text: "x"}, facts(), nil).Assemble(context.Background(), nil)
	assert.True(t, errors.Is(err, contract.ErrSummaryUnavailable))
	assert.Empty(t, doc.Sections)
	assert.Empty(t, doc.Table)
	assert.Equal(t, "No NIST SP 800 publications were processed in this run.", doc.ExecutiveSummary)
}

func TestFirstParagraphAndTruncate(t *testing.T) {
	assert.Equal(t, "", FirstParagraph("# Title\n\nURL: x\n\n- a\n- b"))
	assert.Equal(t, "Body line one. line two.", FirstParagraph("## H\nBody line one.\nline two.\n\nnext"))
	long := strings.Repeat("word ", 100)
	got := FirstParagraph(long)
	assert.LessOrEqual(t, len(got), 323)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, "abc", truncate("abc", 5))

	// 无空格的长段按 rune 边界截断
	cjk := FirstParagraph(strings.Repeat("供应链", 60))
	assert.True(t, utf8.ValidString(cjk))
	assert.Equal(t, "供应链", cjk[:9])
	assert.Equal(t, 318+3, len(cjk))
	assert.Equal(t, "a...", truncate("a\u00e9\u00e9", 2))
}
