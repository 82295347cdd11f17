package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nistsentinel/internal/check"
	"nistsentinel/internal/diag"
	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
	"nistsentinel/plugins/render/markdown"
	"nistsentinel/plugins/splitter/paragraph"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

// 通用桩件 ----------------------------------------------------
type stubSearcher struct {
	res []contract.SearchResult
	err error
}

func (s stubSearcher) Search(ctx context.Context, max int) ([]contract.SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.res) > max {
		return s.res[:max], nil
	}
	return s.res, nil
}

// stubFetcher: url → html；未登记的 url 抓取失败。
type stubFetcher map[string]string

func (f stubFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	h, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: connection refused", url)
	}
	return io.NopCloser(strings.NewReader(h)), nil
}

type stubClassifier struct {
	mu    sync.Mutex
	err   error
	out   []contract.Candidate
	calls int
}

func (c *stubClassifier) Classify(ctx context.Context, p contract.Passage, tax contract.Taxonomy) ([]contract.Candidate, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

type stubSummarizer struct{ err error }

func (s stubSummarizer) Summarize(ctx context.Context, items []contract.RecordSummary) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "Recent guidance tightens secure development expectations.", nil
}

type memWriter struct {
	mu    sync.Mutex
	files map[contract.ArtifactID][]byte
	fail  bool
}

func (w *memWriter) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if w.fail {
		return fmt.Errorf("write %s: %w", id, contract.ErrPathInvalid)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files == nil {
		w.files = map[contract.ArtifactID][]byte{}
	}
	w.files[id] = b
	return nil
}

type stubPublisher struct {
	err error
	got []contract.Artifact
}

func (p *stubPublisher) Publish(ctx context.Context, a contract.Artifact) (contract.PublishResult, error) {
	p.got = append(p.got, a)
	if p.err != nil {
		return contract.PublishResult{}, p.err
	}
	return contract.PublishResult{URL: "https://github.com/acme/repo/pull/7", Branch: "nist-update-20250301-120000"}, nil
}

// bareRenderer 输出缺少必需章节的报告，自检必然失败。
type bareRenderer struct{}

func (bareRenderer) Render(context.Context, contract.Document) (io.Reader, error) {
	return strings.NewReader("# NIST SP 800 Compliance Update\n\nSee NIST SP 800-204C.\n"), nil
}

type stubFilter struct {
	drop contract.PublicationID
	err  error
}

func (f stubFilter) Filter(ctx context.Context, recs []contract.PublicationRecord) ([]contract.PublicationRecord, error) {
	if f.err != nil {
		return recs, f.err
	}
	var out []contract.PublicationRecord
	for _, r := range recs {
		if r.ID != f.drop {
			out = append(out, r)
		}
	}
	return out, nil
}

// 夹具 --------------------------------------------------------
const (
	url218 = "https://csrc.nist.gov/pubs/sp/800/218/final"
	url215 = "https://csrc.nist.gov/pubs/sp/800/215/final"
)

const page218 = `<html><body><nav>menu</nav><main><h1>SP 800-218</h1>
<p>The SSDF describes a set of fundamental, sound practices for secure software development.</p></main></body></html>`

const page215 = `<html><body><main><h1>SP 800-215</h1>
<p>This guide covers the secure enterprise network landscape for software development organizations and cloud access.</p></main></body></html>`

var clock = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func results() []contract.SearchResult {
	return []contract.SearchResult{
		{IDHint: "800-218", Title: "NIST SP 800-218: Secure Software Development Framework (SSDF) Version 1.1", URL: url218, Snippet: "Published: 2022-02-04 | Version: v1.1"},
		// 日期与参考事实不符
		{IDHint: "800-215", Title: "NIST SP 800-215: Guide to a Secure Enterprise Network Landscape", URL: url215, Snippet: "Published: 2023-11-17 | Version: Final"},
		// 错误编号 + 抓取失败 → 兜底
		{IDHint: "800-204C", Title: "NIST SP 800-204C: DevSecOps", URL: "https://csrc.nist.gov/pubs/sp/800/204/c/final", Snippet: "Published: 2024-02-01 | Version: Final"},
		// 重复编号，抓取失败
		{IDHint: "800-218", Title: "NIST SP 800-218", URL: "https://csrc.nist.gov/pubs/sp/800/218/ipd", Snippet: "Published: 2022-02-04 | Version: v1.1"},
	}
}

func fixture(t *testing.T) (Components, Settings, *memWriter, *stubClassifier) {
	t.Helper()
	ref, err := refdata.Default()
	require.NoError(t, err)
	w := &memWriter{}
	clf := &stubClassifier{out: []contract.Candidate{
		{Catalog: "SP800-53", Identifier: "SA-11", Rationale: "Developer testing"},
		{Catalog: "SP800-53", Identifier: "AC-99", Rationale: "hallucinated"},
	}}
	comp := Components{
		Searcher:   stubSearcher{res: results()},
		Fetcher:    stubFetcher{url218: page218, url215: page215},
		Splitter:   paragraph.New(ref.Stems, nil),
		Classifier: clf,
		Summarizer: stubSummarizer{},
		Renderer:   markdown.New(nil),
		Writer:     w,
		Ref:        ref,
	}
	set := Settings{MaxArticles: 10, Backoff: time.Millisecond, Now: func() time.Time { return clock }, NoPublishReason: "publishing disabled"}
	return comp, set, w, clf
}

const reportName = contract.ArtifactID("nist-summary-2025-03-01-120000.md")

func auditKinds(t *testing.T, b []byte) map[string]int {
	t.Helper()
	out := map[string]int{}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		i := strings.Index(line, `"kind":"`)
		require.GreaterOrEqual(t, i, 0, line)
		rest := line[i+len(`"kind":"`):]
		out[rest[:strings.IndexByte(rest, '"')]]++
	}
	return out
}

// UT-PIP-01: 完整流程：抓取兜底、校验更正、去重、映射白名单、单表报告与审计旁路文件
func TestRunEndToEnd(t *testing.T) {
	comp, set, w, clf := fixture(t)
	res, err := Run(context.Background(), comp, set, diag.Nop())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Records)
	assert.Equal(t, string(reportName), res.Report)
	assert.Equal(t, string(reportName)+".audit.jsonl", res.Audit)
	assert.Nil(t, res.Published)
	assert.NotEqual(t, check.StatusFailed, res.Check.Status, res.Check.Errors)
	assert.Greater(t, clf.calls, 0)

	md := string(w.files[reportName])
	require.NotEmpty(t, md)
	assert.Contains(t, md, "# NIST SP 800 Compliance Update - 2025-03-01")
	assert.Contains(t, md, "SA-11")
	assert.NotContains(t, md, "AC-99")
	assert.NotContains(t, md, "800-204C")
	assert.Contains(t, md, "800-204D")
	assert.Contains(t, md, "2022-11-17")
	assert.Equal(t, 1, strings.Count(md, "|---|---|---|---|"))
	// 800-218 只出现一个小节，且来自抓取成功的记录
	assert.Equal(t, 1, strings.Count(md, "### NIST SP 800-218:"))

	kinds := auditKinds(t, w.files[reportName+".audit.jsonl"])
	assert.GreaterOrEqual(t, kinds["issue"], 2)
	assert.Equal(t, 2, kinds["fallback"])
	assert.Equal(t, 1, kinds["check"])
	assert.Equal(t, 1, kinds["publish"])
	audit := string(w.files[reportName+".audit.jsonl"])
	assert.Contains(t, audit, `"field":"published_date","scraped":"2023-11-17","corrected":"2022-11-17"`)
	assert.Contains(t, audit, `"field":"id","scraped":"800-204C","corrected":"800-204D"`)
}

// UT-PIP-02: 分类器始终失败时仍产出完整报告（确定性映射保留）
func TestRunClassifierDown(t *testing.T) {
	comp, set, w, clf := fixture(t)
	clf.err = fmt.Errorf("quota: %w", contract.ErrRateLimited)
	res, err := Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.Greater(t, res.Degraded, 2)

	md := string(w.files[reportName])
	assert.Contains(t, md, "SSDF PO.1")
	assert.Contains(t, md, "SP800-53 SR-3")
	assert.NotContains(t, md, "SA-11")
	assert.Contains(t, string(w.files[reportName+".audit.jsonl"]), `"kind":"mapping","record_id":"800-`)
}

// UT-PIP-03: 摘要失败回退模板；发布成功时返回 PR 信息
func TestRunSummaryFallbackAndPublish(t *testing.T) {
	comp, set, w, _ := fixture(t)
	comp.Summarizer = stubSummarizer{err: errors.New("llm down")}
	pub := &stubPublisher{}
	comp.Publisher = pub
	res, err := Run(context.Background(), comp, set, nil)
	require.NoError(t, err)

	require.NotNil(t, res.Published)
	assert.Equal(t, "https://github.com/acme/repo/pull/7", res.Published.URL)
	require.Len(t, pub.got, 1)
	a := pub.got[0]
	assert.Equal(t, string(reportName), a.Name)
	assert.Equal(t, w.files[reportName], a.Body)
	assert.Equal(t, "2025-03-01", a.Date.String())
	assert.Equal(t, string(res.Check.Status), a.Status)
	assert.NotEmpty(t, a.Verified)
	assert.Contains(t, string(a.Body), "deterministic template")
	assert.Contains(t, string(w.files[reportName+".audit.jsonl"]), `"kind":"publish","message":"opened https://github.com/acme/repo/pull/7"`)
}

// UT-PIP-04: 发布失败只降级，本地报告保留
func TestRunPublishFailure(t *testing.T) {
	comp, set, w, _ := fixture(t)
	comp.Publisher = &stubPublisher{err: errors.New("boom")}
	res, err := Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.Nil(t, res.Published)
	assert.NotEmpty(t, w.files[reportName])
	assert.Contains(t, string(w.files[reportName+".audit.jsonl"]), "publish failed")
}

// UT-PIP-09: 自检失败时不发布，跳过原因写入审计
func TestRunCheckFailedSkipsPublish(t *testing.T) {
	comp, set, w, _ := fixture(t)
	comp.Renderer = bareRenderer{}
	pub := &stubPublisher{}
	comp.Publisher = pub
	res, err := Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.Equal(t, check.StatusFailed, res.Check.Status)
	assert.Empty(t, pub.got)
	assert.Nil(t, res.Published)
	assert.NotEmpty(t, w.files[reportName])
	assert.Contains(t, string(w.files[reportName+".audit.jsonl"]), `"kind":"publish","code":"invariant","message":"skipped: report check failed"`)
}

// UT-PIP-05: 检索失败与写出失败为运行期错误
func TestRunErrors(t *testing.T) {
	comp, set, _, _ := fixture(t)
	comp.Searcher = stubSearcher{err: errors.New("catalog offline")}
	_, err := Run(context.Background(), comp, set, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search")

	comp, set, w, _ := fixture(t)
	w.fail = true
	_, err = Run(context.Background(), comp, set, nil)
	assert.True(t, errors.Is(err, contract.ErrPathInvalid))

	comp, set, _, _ = fixture(t)
	comp.Renderer = nil
	_, err = Run(context.Background(), comp, set, nil)
	assert.Error(t, err)

	comp, set, _, _ = fixture(t)
	set.MaxArticles = 0
	_, err = Run(context.Background(), comp, set, nil)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

// UT-PIP-06: 相关性过滤：正常剔除；失败时保留全部记录
func TestRunFilter(t *testing.T) {
	comp, set, w, _ := fixture(t)
	comp.Filter = stubFilter{drop: "800-215"}
	res, err := Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.NotContains(t, string(w.files[reportName]), "### NIST SP 800-215")
	assert.Contains(t, string(w.files[reportName+".audit.jsonl"]), `"kind":"filtered","record_id":"800-215"`)

	comp, set, _, _ = fixture(t)
	comp.Filter = stubFilter{err: fmt.Errorf("x: %w", contract.ErrResponseInvalid)}
	res, err = Run(context.Background(), comp, set, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Records)
}

// UT-PIP-07: 取消
func TestRunCanceled(t *testing.T) {
	comp, set, _, _ := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, comp, set, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

// UT-PIP-08: 不变量检查
func TestVerifyInvariants(t *testing.T) {
	ok := []contract.PublicationRecord{
		{ID: "800-218", PublishedDate: contract.MustDate("2022-02-04")},
		{ID: "800-53", PublishedDate: contract.MustDate("2020-09-23"), ErrataDate: contract.MustDate("2020-12-10")},
	}
	assert.NoError(t, verifyInvariants(ok))

	dup := append(ok, contract.PublicationRecord{ID: "800-218"})
	assert.True(t, errors.Is(verifyInvariants(dup), contract.ErrInvariantViolation))

	bad := []contract.PublicationRecord{{ID: "800-53", PublishedDate: contract.MustDate("2020-09-23"), ErrataDate: contract.MustDate("2019-01-01")}}
	assert.True(t, errors.Is(verifyInvariants(bad), contract.ErrInvariantViolation))
}
