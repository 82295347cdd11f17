package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/pkg/contract"
)

type fakeGitHub struct {
	mu      sync.Mutex
	exists  bool
	calls   []string
	branch  string
	message string
	content string
	sha     string
	prTitle string
	prBody  string
	push    bool
	fail5xx bool
	refs    map[string]bool
	refPOST int
	// prFail: PR 创建前若干次返回 502；prOpen: PR 已存在（422）
	prFail int
	prOpen bool
	prHead string
}

func (f *fakeGitHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	rec := func(r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
	}
	mux.HandleFunc("GET /repos/o/r/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		if f.fail5xx {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"bad gateway"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ref":"refs/heads/main","object":{"sha":"base-sha","type":"commit"}}`))
	})
	mux.HandleFunc("POST /repos/o/r/git/refs", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "base-sha", body.SHA)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refPOST++
		if f.refs[body.Ref] {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Reference already exists"}`))
			return
		}
		if f.refs == nil {
			f.refs = map[string]bool{}
		}
		f.refs[body.Ref] = true
		f.branch = body.Ref
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ref":"` + body.Ref + `","object":{"sha":"base-sha"}}`))
	})
	mux.HandleFunc("GET /repos/o/r/contents/summaries/report.md", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		if !f.exists {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"type":"file","name":"report.md","path":"summaries/report.md","sha":"old-sha"}`))
	})
	mux.HandleFunc("PUT /repos/o/r/contents/summaries/report.md", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		var body struct {
			Message string `json:"message"`
			Content string `json:"content"`
			SHA     string `json:"sha"`
			Branch  string `json:"branch"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, _ := base64.StdEncoding.DecodeString(body.Content)
		f.message, f.content, f.sha = body.Message, string(raw), body.SHA
		f.exists = true
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"content":{"sha":"new-sha"},"commit":{"sha":"c1"}}`))
	})
	mux.HandleFunc("POST /repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		var body struct {
			Title string `json:"title"`
			Head  string `json:"head"`
			Base  string `json:"base"`
			Body  string `json:"body"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "main", body.Base)
		f.prTitle, f.prBody = body.Title, body.Body
		if f.prFail > 0 {
			f.prFail--
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"message":"bad gateway"}`))
			return
		}
		if f.prOpen {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"A pull request already exists"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":7,"html_url":"https://github.com/o/r/pull/7"}`))
	})
	mux.HandleFunc("GET /repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		f.prHead = r.URL.Query().Get("head")
		_, _ = w.Write([]byte(`[{"number":5,"html_url":"https://github.com/o/r/pull/5"}]`))
	})
	mux.HandleFunc("GET /repos/o/r", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		b, _ := json.Marshal(map[string]any{"full_name": "o/r", "permissions": map[string]bool{"pull": true, "push": f.push}})
		_, _ = w.Write(b)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		rec(r)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusTeapot)
	})
	return mux
}

func newPublisher(t *testing.T, f *fakeGitHub) *Publisher {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	p, err := New(&Options{Repo: "o/r", Token: "tok", BaseURL: srv.URL})
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 10, 15, 8, 9, 10, 0, time.UTC) }
	return p
}

var artifact = contract.Artifact{
	Name:     "report.md",
	Body:     []byte("# report\n"),
	Date:     contract.MustDate("2026-10-15"),
	Summary:  "Teams should act.",
	Verified: []string{"SP 800-218 (2022-02-04)"},
	Status:   "passed",
}

// UT-PUB-01: 新文件：建分支 → 404 → 创建 → 开 PR
func TestPublishCreate(t *testing.T) {
	f := &fakeGitHub{}
	p := newPublisher(t, f)
	res, err := p.Publish(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/o/r/pull/7", res.URL)
	assert.Equal(t, "nist-update-20261015-080910", res.Branch)
	assert.Equal(t, "refs/heads/nist-update-20261015-080910", f.branch)
	assert.Equal(t, "Add NIST SP 800 Summary - 2026-10-15", f.message)
	assert.Equal(t, "# report\n", f.content)
	assert.Empty(t, f.sha)
	assert.Equal(t, "NIST SP 800 Compliance Update - 2026-10-15", f.prTitle)
	assert.Contains(t, f.prBody, "- SP 800-218 (2022-02-04)")
	assert.Contains(t, f.prBody, "**Report check:** passed")
	assert.Contains(t, f.prBody, "`summaries/report.md`")
}

// UT-PUB-02: 已存在文件：携带旧 sha 更新
func TestPublishUpdate(t *testing.T) {
	f := &fakeGitHub{exists: true}
	p := newPublisher(t, f)
	_, err := p.Publish(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "Update NIST SP 800 Summary - 2026-10-15", f.message)
	assert.Equal(t, "old-sha", f.sha)
}

// UT-PUB-03: 上游 5xx 归类为网络错误；非法文件名
func TestPublishErrors(t *testing.T) {
	p := newPublisher(t, &fakeGitHub{fail5xx: true})
	_, err := p.Publish(context.Background(), artifact)
	var ue contract.UpstreamError
	require.True(t, errors.As(err, &ue), "err=%v", err)
	assert.Equal(t, http.StatusBadGateway, ue.UpstreamStatus())

	bad := artifact
	bad.Name = "../x.md"
	_, err = p.Publish(context.Background(), bad)
	assert.True(t, errors.Is(err, contract.ErrInvalidInput))
}

// UT-PUB-04: 令牌缺失、仓库名非法
func TestNew(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	_, err := New(nil)
	assert.True(t, errors.Is(err, ErrNoToken))

	_, err = New(&Options{Repo: "noslash", Token: "x"})
	assert.True(t, errors.Is(err, contract.ErrFatalConfiguration))

	t.Setenv("GITHUB_TOKEN", "env-token")
	p, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRepo, p.Repo())
}

// UT-PUB-05: 推送权限检查
func TestVerifyAccess(t *testing.T) {
	assert.NoError(t, newPublisher(t, &fakeGitHub{push: true}).VerifyAccess(context.Background()))
	err := newPublisher(t, &fakeGitHub{}).VerifyAccess(context.Background())
	assert.True(t, errors.Is(err, contract.ErrFatalConfiguration))
}

// UT-PUB-06: PR 创建失败后重试沿用同一分支，已存在的分支与文件不再重复创建
func TestPublishRetryReusesBranch(t *testing.T) {
	f := &fakeGitHub{prFail: 1}
	p := newPublisher(t, f)
	_, err := p.Publish(context.Background(), artifact)
	var ue contract.UpstreamError
	require.True(t, errors.As(err, &ue), "err=%v", err)

	p.now = func() time.Time { return time.Date(2026, 10, 15, 8, 9, 14, 0, time.UTC) }
	res, err := p.Publish(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "nist-update-20261015-080910", res.Branch)
	assert.Equal(t, "https://github.com/o/r/pull/7", res.URL)
	assert.Equal(t, 2, f.refPOST)
	assert.Len(t, f.refs, 1)
	assert.Equal(t, "Update NIST SP 800 Summary - 2026-10-15", f.message)
	assert.Equal(t, "old-sha", f.sha)
}

// UT-PUB-07: PR 已存在时返回已打开的 PR
func TestPublishExistingPullRequest(t *testing.T) {
	f := &fakeGitHub{prOpen: true}
	p := newPublisher(t, f)
	res, err := p.Publish(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/o/r/pull/5", res.URL)
	assert.Equal(t, "o:nist-update-20261015-080910", f.prHead)
}
