package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v66/github"

	"nistsentinel/pkg/contract"
)

// ErrNoToken: 未配置访问令牌；调用方应跳过发布并记告警。
var ErrNoToken = errors.New("github token not configured")

// DefaultRepo: 默认目标仓库。
const DefaultRepo = "AhsenMahmood/nist-compliance-sentinel"

// Options: PR 发布配置。
type Options struct {
	// Repo: owner/name。
	Repo       string `yaml:"repo" validate:"omitempty,contains=/"`
	BaseBranch string `yaml:"base_branch"`
	TokenEnv   string `yaml:"token_env"`
	Token      string `yaml:"token"`
	// Dir: 报告在仓库内的目录。默认 "summaries"。
	Dir string `yaml:"dir"`
	// BaseURL: API 根地址（GitHub Enterprise 或测试）；为空使用 api.github.com。
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
	Draft          bool   `yaml:"draft"`
}

func (o *Options) defaults() {
	if o.Repo == "" {
		o.Repo = DefaultRepo
	}
	if o.BaseBranch == "" {
		o.BaseBranch = "main"
	}
	if o.TokenEnv == "" {
		o.TokenEnv = "GITHUB_TOKEN"
	}
	if o.Dir == "" {
		o.Dir = "summaries"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

// Publisher 以新分支 + 单文件提交 + PR 的形式发布报告。
type Publisher struct {
	client      *gh.Client
	owner, repo string
	base        string
	dir         string
	draft       bool
	now         func() time.Time

	// branches: 工件名 → 分支名。重试沿用首次尝试的分支。
	mu       sync.Mutex
	branches map[string]string
}

// New 构造发布者。令牌缺失返回 ErrNoToken；仓库名非法为配置错误。
func New(opts *Options) (*Publisher, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	owner, repo, ok := strings.Cut(o.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, contract.Fatal(fmt.Errorf("github: repo %q must be owner/name", o.Repo))
	}
	token := o.Token
	if token == "" {
		token = os.Getenv(o.TokenEnv)
	}
	if token == "" {
		return nil, fmt.Errorf("%w (%s)", ErrNoToken, o.TokenEnv)
	}
	c := gh.NewClient(&http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}).WithAuthToken(token)
	if o.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(o.BaseURL, "/") + "/")
		if err != nil {
			return nil, contract.Fatal(fmt.Errorf("github: base_url: %w", err))
		}
		c.BaseURL = u
	}
	return &Publisher{client: c, owner: owner, repo: repo, base: o.BaseBranch, dir: strings.Trim(o.Dir, "/"), draft: o.Draft, now: time.Now, branches: map[string]string{}}, nil
}

// Publish: 自 base 创建 nist-update-YYYYMMDD-HHMMSS 分支，写入 <dir>/<name>（存在则更新），再开 PR。
func (p *Publisher) Publish(ctx context.Context, a contract.Artifact) (contract.PublishResult, error) {
	if a.Name == "" || strings.ContainsAny(a.Name, `/\`) {
		return contract.PublishResult{}, fmt.Errorf("github: artifact name %q: %w", a.Name, contract.ErrInvalidInput)
	}
	now := p.now().UTC()
	branch := p.branchFor(a.Name, now)
	date := a.Date.String()
	if date == "" {
		date = now.Format("2006-01-02")
	}

	ref, _, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "refs/heads/"+p.base)
	if err != nil {
		return contract.PublishResult{}, mapError("get base ref", err)
	}
	_, _, err = p.client.Git.CreateRef(ctx, p.owner, p.repo, &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: ref.GetObject().SHA},
	})
	// 422: 上次尝试已建好分支
	if err != nil && !hasStatus(err, http.StatusUnprocessableEntity) {
		return contract.PublishResult{}, mapError("create branch", err)
	}

	path := p.dir + "/" + a.Name
	fileOpts := &gh.RepositoryContentFileOptions{Content: a.Body, Branch: gh.String(branch)}
	existing, _, resp, err := p.client.Repositories.GetContents(ctx, p.owner, p.repo, path, &gh.RepositoryContentGetOptions{Ref: branch})
	switch {
	case err == nil && existing != nil:
		fileOpts.Message = gh.String("Update NIST SP 800 Summary - " + date)
		fileOpts.SHA = existing.SHA
		_, _, err = p.client.Repositories.UpdateFile(ctx, p.owner, p.repo, path, fileOpts)
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		fileOpts.Message = gh.String("Add NIST SP 800 Summary - " + date)
		_, _, err = p.client.Repositories.CreateFile(ctx, p.owner, p.repo, path, fileOpts)
	case err == nil:
		err = fmt.Errorf("%s is a directory: %w", path, contract.ErrInvalidInput)
	}
	if err != nil {
		return contract.PublishResult{}, mapError("commit report", err)
	}

	pr, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &gh.NewPullRequest{
		Title: gh.String("NIST SP 800 Compliance Update - " + date),
		Head:  gh.String(branch),
		Base:  gh.String(p.base),
		Body:  gh.String(prBody(a, path, date)),
		Draft: gh.Bool(p.draft),
	})
	if hasStatus(err, http.StatusUnprocessableEntity) {
		// 上次尝试已开 PR
		pr, err = p.openPR(ctx, branch)
	}
	if err != nil {
		return contract.PublishResult{}, mapError("create pull request", err)
	}
	return contract.PublishResult{URL: pr.GetHTMLURL(), Branch: branch}, nil
}

func (p *Publisher) branchFor(name string, now time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.branches[name]; ok {
		return b
	}
	b := "nist-update-" + now.Format("20060102-150405")
	p.branches[name] = b
	return b
}

// openPR 查找 branch 上已打开的 PR。
func (p *Publisher) openPR(ctx context.Context, branch string) (*gh.PullRequest, error) {
	prs, _, err := p.client.PullRequests.List(ctx, p.owner, p.repo, &gh.PullRequestListOptions{
		State: "open",
		Head:  p.owner + ":" + branch,
		Base:  p.base,
	})
	if err != nil {
		return nil, err
	}
	if len(prs) == 0 {
		return nil, fmt.Errorf("no open pull request for %s: %w", branch, contract.ErrInvalidInput)
	}
	return prs[0], nil
}

func hasStatus(err error, code int) bool {
	var er *gh.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == code
}

func prBody(a contract.Artifact, path, date string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## NIST SP 800 Compliance Update - %s\n\n", date)
	if s := strings.TrimSpace(a.Summary); s != "" {
		b.WriteString(s + "\n\n")
	}
	if len(a.Verified) > 0 {
		b.WriteString("### Verified publications\n\n")
		for _, v := range a.Verified {
			b.WriteString("- " + v + "\n")
		}
		b.WriteString("\n")
	}
	if a.Status != "" {
		fmt.Fprintf(&b, "**Report check:** %s\n\n", a.Status)
	}
	fmt.Fprintf(&b, "Report file: `%s`\n", path)
	return b.String()
}

// VerifyAccess 检查仓库可达且令牌具备推送权限。
func (p *Publisher) VerifyAccess(ctx context.Context) error {
	r, _, err := p.client.Repositories.Get(ctx, p.owner, p.repo)
	if err != nil {
		return mapError("get repository", err)
	}
	if !r.GetPermissions()["push"] {
		return contract.Fatal(fmt.Errorf("github: token lacks push permission on %s/%s", p.owner, p.repo))
	}
	return nil
}

// Repo 返回 owner/name。
func (p *Publisher) Repo() string { return p.owner + "/" + p.repo }

// mapError 将 API 错误映射到统一分类（限流、408/5xx 网络、其余非法输入）。
func mapError(op string, err error) error {
	var rle *gh.RateLimitError
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &abuse) {
		return fmt.Errorf("github %s: %v: %w", op, err, contract.ErrRateLimited)
	}
	var er *gh.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return fmt.Errorf("github %s: %w", op, contract.StatusError("github", er.Response.StatusCode, []byte(er.Message)))
	}
	return fmt.Errorf("github %s: %w", op, err)
}

var _ contract.Publisher = (*Publisher)(nil)
