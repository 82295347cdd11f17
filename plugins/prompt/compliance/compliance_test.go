package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/internal/prompt"
	"nistsentinel/pkg/contract"
)

func tax() contract.Taxonomy {
	return contract.NewTaxonomy(map[contract.Catalog][]string{
		contract.CatalogSP80053:  {"SA-11", "SR-3"},
		contract.CatalogSP800171: {"3.14.1"},
		contract.CatalogSSDF:     {"PO.1"},
	})
}

// UT-PB-01: 分类提示词携带白名单与 schema
func TestBuildClassify(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)
	p, err := b.Build(context.Background(), contract.Task{
		Kind: contract.TaskClassify, RecordID: "800-218",
		Passage:  contract.Passage{RecordID: "800-218", Text: "Test the software for vulnerabilities."},
		Taxonomy: tax(),
	})
	require.NoError(t, err)
	cp := p.(contract.ChatPrompt)
	require.Len(t, cp, 3)
	assert.Equal(t, "system", cp[0].Role)
	assert.Contains(t, cp[0].Content, "Current task: classify.")
	assert.Contains(t, cp[1].Content, "<passage>\nTest the software for vulnerabilities.\n</passage>")
	assert.Contains(t, cp[1].Content, "SP800-53: SA-11, SR-3\n")
	assert.Contains(t, cp[1].Content, "SSDF: PO.1\n")
	assert.Equal(t, ClassifySchema, cp.Schema())
}

// UT-PB-02: 摘要与筛选
func TestBuildSummarizeAndFilter(t *testing.T) {
	b, err := New(&Options{MaxContentBytes: 10})
	require.NoError(t, err)
	p, err := b.Build(context.Background(), contract.Task{Kind: contract.TaskSummarize, Items: []contract.RecordSummary{
		{ID: "800-218A", Title: "GenAI", Status: contract.StatusDraft, Date: contract.MustDate("2024-07-26"), Controls: []string{"SSDF PO.1"}},
	}})
	require.NoError(t, err)
	user := p.(contract.ChatPrompt)[1].Content
	assert.Contains(t, user, "- SP 800-218A (Draft, 2024-07-26): GenAI. Controls: SSDF PO.1\n")

	p, err = b.Build(context.Background(), contract.Task{Kind: contract.TaskFilter, Records: []contract.PublicationRecord{
		{ID: "800-190", Title: "Containers", RawContent: "# Source: u\n\nApplication container security guide."},
	}})
	require.NoError(t, err)
	user = p.(contract.ChatPrompt)[1].Content
	assert.Contains(t, user, "- id: 800-190 | title: Containers | excerpt: Applicatio...\n")
	assert.Equal(t, RelevanceSchema, p.(contract.ChatPrompt).Schema())
}

// UT-PB-03: 非法输入
func TestBuildInvalid(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)
	for _, task := range []contract.Task{
		{Kind: contract.TaskClassify, Taxonomy: tax()},
		{Kind: contract.TaskClassify, Passage: contract.Passage{Text: "x"}},
		{Kind: contract.TaskSummarize},
		{Kind: contract.TaskFilter},
		{},
	} {
		_, err := b.Build(context.Background(), task)
		assert.True(t, errors.Is(err, contract.ErrInvalidInput), "task=%+v", task)
	}
}

// UT-PB-04: 模板来源与 schema 合法性
func TestTemplateAndSchemas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sys.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("custom {{.Task}}"), 0o644))
	b, err := New(&Options{SystemTemplatePath: path})
	require.NoError(t, err)
	p, err := b.Build(context.Background(), contract.Task{Kind: contract.TaskSummarize, Items: []contract.RecordSummary{{ID: "800-53"}}})
	require.NoError(t, err)
	assert.Equal(t, "custom summarize", p.(contract.ChatPrompt)[0].Content)

	_, err = New(&Options{InlineSystemTemplate: "{{"})
	assert.Error(t, err)
	_, err = New(&Options{SystemTemplatePath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	for _, s := range []string{ClassifySchema, SummarySchema, RelevanceSchema} {
		assert.True(t, json.Valid([]byte(s)), s)
		assert.True(t, strings.Contains(s, `"additionalProperties":false`))
	}
	eff, over := prompt.EffectiveMaxTokens(b, 4, 4096)
	assert.Positive(t, over)
	assert.Equal(t, 4096-over, eff)
}
