package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"nistsentinel/internal/check"
	"nistsentinel/internal/dedupe"
	"nistsentinel/internal/diag"
	"nistsentinel/internal/extract"
	"nistsentinel/internal/invoke"
	"nistsentinel/internal/mapping"
	"nistsentinel/internal/refdata"
	"nistsentinel/internal/report"
	"nistsentinel/internal/store"
	"nistsentinel/internal/validate"
	"nistsentinel/pkg/contract"
)

// - 单线程顺序执行：检索 → 抓取/抽取（失败兜底）→ 入库 → 校验 → 去重 → 相关性过滤 → 控制映射 → 装配 → 渲染 → 自检 → 写出 → 发布。
// - 逐条降级：单条记录或单个调用点的失败只记告警与审计，不中止运行。
// - 运行期错误（检索失败、渲染/写出失败、不变量破坏、取消）返回给调用方。

// Components 聚合运行所需的组件。Filter、Summarizer、Publisher 可为空。
type Components struct {
	Searcher   contract.Searcher
	Fetcher    contract.PageFetcher
	Splitter   contract.Splitter
	Classifier contract.Classifier
	Filter     contract.RelevanceFilter
	Summarizer contract.Summarizer
	Renderer   contract.Renderer
	Writer     contract.Writer
	Publisher  contract.Publisher
	Ref        *refdata.Bundle
}

// Settings 运行期配置。LLM 调用点的超时/重试在 Completer 内部。
type Settings struct {
	MaxArticles int
	// MaxRetries: 检索/抓取/发布调用点的最大重试次数。
	MaxRetries     int
	Backoff        time.Duration
	SearchTimeout  time.Duration
	FetchTimeout   time.Duration
	PublishTimeout time.Duration
	// NoPublishReason: Publisher 为空时写入日志的原因。
	NoPublishReason string
	// Now: 时钟（测试注入）；为空使用 time.Now。
	Now func() time.Time
}

// Result 汇总一次运行。
type Result struct {
	Report    string
	Audit     string
	Records   int
	Issues    int
	Rejected  int
	Degraded  int
	Check     check.Report
	Published *contract.PublishResult
}

// Run 执行一次完整运行。返回的 Result 在出错时可能只填充了部分字段。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Result, error) {
	if err := sanity(comp, set); err != nil {
		return Result{}, fmt.Errorf("sanity: %w", err)
	}
	if logger == nil {
		logger = diag.Nop()
	}
	r := &runner{comp: comp, set: set, logger: logger, now: set.Now}
	if r.now == nil {
		r.now = time.Now
	}
	return r.run(ctx)
}

type runner struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	now    func() time.Time

	audit []auditEntry
	res   Result
}

// auditEntry: 审计旁路文件（JSONL）的一行。
type auditEntry struct {
	Kind      string        `json:"kind"`
	RecordID  string        `json:"record_id,omitempty"`
	Field     string        `json:"field,omitempty"`
	Scraped   string        `json:"scraped,omitempty"`
	Corrected string        `json:"corrected,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
	Check     *check.Report `json:"check,omitempty"`
}

func (r *runner) run(ctx context.Context) (Result, error) {
	started := r.now()

	results, err := r.search(ctx)
	if err != nil {
		return r.res, err
	}

	st := store.New()
	if err := r.fetchAll(ctx, results, st); err != nil {
		return r.res, err
	}

	r.validate(st)
	r.dedupe(st)
	if err := r.filter(ctx, st); err != nil {
		return r.res, err
	}
	if err := r.mapControls(ctx, st); err != nil {
		return r.res, err
	}

	recs := st.All()
	if err := verifyInvariants(recs); err != nil {
		r.logger.Error("pipeline", diag.CodeInvariant.String(), err.Error(), &started)
		return r.res, err
	}
	r.res.Records = len(recs)

	doc, err := r.assemble(ctx, recs)
	if err != nil {
		return r.res, err
	}
	body, err := r.render(ctx, doc)
	if err != nil {
		return r.res, err
	}

	r.res.Check = check.Run(string(body), r.comp.Ref.Facts)
	r.logCheck()

	name := "nist-summary-" + started.Format("2006-01-02-150405") + ".md"
	if err := r.write(ctx, name, body); err != nil {
		return r.res, err
	}
	// 审计旁路最后写出，包含发布结果
	r.publish(ctx, contract.Artifact{
		Name:     name,
		Body:     body,
		Title:    doc.Title,
		Date:     contract.DateOf(started),
		Summary:  doc.ExecutiveSummary,
		Verified: verifiedFacts(recs),
		Status:   string(r.res.Check.Status),
	})
	if ctx.Err() != nil {
		return r.res, ctx.Err()
	}
	if err := r.writeAudit(ctx, name+".audit.jsonl"); err != nil {
		return r.res, err
	}
	r.logger.InfoFinish("pipeline", "run", started, int64(r.res.Records))
	return r.res, nil
}

// stage 在终端标记阶段开始，返回结束回调。
func stage(name string, total int) func(ok bool, count int) {
	t0 := time.Now()
	diag.GetTerminal().StageStart(name, total)
	return func(ok bool, count int) { diag.GetTerminal().StageFinish(ok, count, time.Since(t0)) }
}

func (r *runner) policy(timeout time.Duration) invoke.Policy {
	return invoke.Policy{Timeout: timeout, MaxRetries: r.set.MaxRetries, Backoff: r.set.Backoff}
}

// degrade 记录一次降级：告警日志 + 审计 + 计数。
func (r *runner) degrade(comp, kind, recordID, msg string, err error) {
	code := diag.Classify(err).String()
	r.logger.Warn(comp, code, msg, recordID, diag.KV("err", err))
	diag.Record(comp, err)
	r.audit = append(r.audit, auditEntry{Kind: kind, RecordID: recordID, Code: code, Message: fmt.Sprintf("%s: %v", msg, err)})
	r.res.Degraded++
}

func (r *runner) search(ctx context.Context) ([]contract.SearchResult, error) {
	done := stage("search", r.set.MaxArticles)
	tm := r.logger.StartWithKV("searcher", "search", "", "", diag.KV("max", r.set.MaxArticles))
	var out []contract.SearchResult
	err := invoke.Call(ctx, "search", r.policy(r.set.SearchTimeout), func(c context.Context) error {
		var err error
		out, err = r.comp.Searcher.Search(c, r.set.MaxArticles)
		return err
	})
	if err != nil {
		t0 := tm.Since()
		r.logger.Error("searcher", diag.Classify(err).String(), "search failed", &t0)
		diag.Record("searcher", err)
		done(false, 0)
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(out) > r.set.MaxArticles {
		out = out[:r.set.MaxArticles]
	}
	tm.Finish("search", int64(len(out)))
	diag.Record("searcher", nil)
	done(true, len(out))
	return out, nil
}

func (r *runner) fetchAll(ctx context.Context, results []contract.SearchResult, st *store.Store) error {
	done := stage("fetch", len(results))
	fallbacks := 0
	for i, sr := range results {
		rec, err := r.fetchOne(ctx, sr)
		if err != nil {
			done(false, i)
			return err
		}
		if rec.UsedFallback() {
			fallbacks++
		}
		st.Add(rec)
		diag.GetTerminal().StageProgress(i+1, len(results), fallbacks)
	}
	done(fallbacks == 0, st.Len())
	return nil
}

// fetchOne 抓取并抽取一页；抓取/抽取失败（含无正文）时使用参考数据兜底正文。仅取消时返回错误。
func (r *runner) fetchOne(ctx context.Context, sr contract.SearchResult) (contract.PublicationRecord, error) {
	hint := store.FromFetch(sr, contract.PageResult{})
	rid := string(hint.ID)
	meta := extract.Meta{URL: sr.URL, Status: hint.Status, Version: sr.Version}
	if !hint.PublishedDate.IsZero() {
		meta.Published = hint.PublishedDate.String()
	}
	if !hint.ErrataDate.IsZero() {
		meta.Errata = hint.ErrataDate.String()
	}

	tm := r.logger.StartWithKV("fetcher", "fetch", rid, "", diag.KV("url", sr.URL))
	var text string
	err := invoke.Call(ctx, "fetch "+sr.URL, r.policy(r.set.FetchTimeout), func(c context.Context) error {
		rc, err := r.comp.Fetcher.Fetch(c, sr.URL)
		if err != nil {
			return err
		}
		defer rc.Close()
		text, err = extract.Page(rc, meta)
		return err
	})
	if err == nil {
		tm.Finish("fetch", int64(len(text)))
		diag.Record("fetcher", nil)
		return store.FromFetch(sr, contract.PageResult{Outcome: contract.Fetched, Content: text}), nil
	}
	if ctx.Err() != nil {
		return contract.PublicationRecord{}, ctx.Err()
	}
	// 兜底正文按规范编号取；错误编号的标题以参考事实为准
	id, title := hint.ID, hint.Title
	if canon, ok := r.comp.Ref.Facts.Alias(id); ok {
		id = canon
		if f, ok := r.comp.Ref.Facts.Lookup(canon); ok {
			title = f.Title
		}
	}
	r.degrade("fetcher", "fallback", rid, "using fallback content", err)
	page := contract.PageResult{
		Outcome: contract.FallenBack,
		Content: r.comp.Ref.Fallback.For(id, title, sr.URL),
		Cause:   err,
	}
	return store.FromFetch(sr, page), nil
}

func (r *runner) validate(st *store.Store) {
	done := stage("validate", st.Len())
	tm := r.logger.Start("validator", "validate")
	res := validate.ValidateAll(st.All(), r.comp.Ref.Facts)
	for _, is := range res.Issues {
		r.logger.Issue("validator", is)
		diag.IncOp("validator", "issue", "corrected")
		r.audit = append(r.audit, auditEntry{
			Kind: "issue", RecordID: string(is.RecordID), Field: is.Field, Scraped: is.Scraped, Corrected: is.Corrected,
		})
	}
	for _, err := range res.Rejected {
		var mre *contract.MalformedRecordError
		rid := ""
		if errors.As(err, &mre) {
			rid = mre.ID
		}
		r.logger.Warn("validator", diag.Classify(err).String(), "record rejected", rid, diag.KV("err", err))
		diag.Record("validator", err)
		r.audit = append(r.audit, auditEntry{Kind: "rejected", RecordID: rid, Code: diag.Classify(err).String(), Message: err.Error()})
	}
	st.Replace(res.Kept)
	r.res.Issues = len(res.Issues)
	r.res.Rejected = len(res.Rejected)
	tm.Finish("validate", int64(len(res.Kept)))
	done(len(res.Rejected) == 0, len(res.Kept))
}

func (r *runner) dedupe(st *store.Store) {
	done := stage("dedupe", st.Len())
	before := st.Len()
	st.Replace(dedupe.Dedupe(st.All()))
	r.logger.Start("dedupe", "dedupe").Finish("dedupe", int64(st.Len()))
	if dropped := before - st.Len(); dropped > 0 {
		diag.IncOp("dedupe", "drop", "duplicate")
		r.logger.DebugStart("dedupe", "duplicates dropped", "", "", diag.KV("dropped", dropped))
	}
	done(true, st.Len())
}

func (r *runner) filter(ctx context.Context, st *store.Store) error {
	if r.comp.Filter == nil {
		return nil
	}
	done := stage("filter", st.Len())
	tm := r.logger.Start("filter", "filter")
	all := st.All()
	kept, err := r.comp.Filter.Filter(ctx, all)
	if err != nil {
		if ctx.Err() != nil {
			done(false, 0)
			return ctx.Err()
		}
		r.degrade("filter", "filter", "", "relevance filter unavailable; keeping all records", err)
		if len(kept) == 0 {
			kept = all
		}
	} else {
		tm.Finish("filter", int64(len(kept)))
		diag.Record("filter", nil)
	}
	for _, rec := range dropped(all, kept) {
		r.logger.DebugStart("filter", "not relevant", string(rec), "", nil)
		r.audit = append(r.audit, auditEntry{Kind: "filtered", RecordID: string(rec)})
	}
	st.Replace(kept)
	done(err == nil, len(kept))
	return nil
}

func dropped(all, kept []contract.PublicationRecord) []contract.PublicationID {
	in := make(map[contract.PublicationID]bool, len(kept))
	for _, k := range kept {
		in[k.ID] = true
	}
	var out []contract.PublicationID
	for _, a := range all {
		if !in[a.ID] {
			out = append(out, a.ID)
		}
	}
	return out
}

func (r *runner) mapControls(ctx context.Context, st *store.Store) error {
	done := stage("map", st.Len())
	ref := r.comp.Ref
	m := mapping.New(ref.Mappings, ref.Taxonomy, r.comp.Splitter, r.comp.Classifier, r.logger).
		WithProgress(func(d, total, errs int) { diag.GetTerminal().StageProgress(d, total, errs) })
	out, errs := m.MapAll(ctx, st.All())
	if ctx.Err() != nil {
		done(false, 0)
		return ctx.Err()
	}
	for _, err := range errs {
		// MapAll 已记录告警；此处只补审计
		e := auditEntry{Kind: "mapping", Code: diag.Classify(err).String(), Message: err.Error()}
		var re *mapping.RecordError
		if errors.As(err, &re) {
			e.RecordID = string(re.ID)
		}
		r.audit = append(r.audit, e)
		r.res.Degraded++
	}
	st.Replace(out)
	done(len(errs) == 0, len(out))
	return nil
}

func (r *runner) assemble(ctx context.Context, recs []contract.PublicationRecord) (contract.Document, error) {
	done := stage("report", len(recs))
	asm := report.New(r.comp.Summarizer, r.comp.Ref.Facts, r.logger).WithClock(r.now)
	tm := r.logger.Start("report", "assemble")
	doc, err := asm.Assemble(ctx, recs)
	if err != nil {
		if ctx.Err() != nil {
			done(false, 0)
			return doc, ctx.Err()
		}
		r.degrade("report", "summary", "", "executive summary fell back to template", err)
	} else {
		tm.Finish("assemble", int64(len(doc.Sections)))
		diag.Record("report", nil)
	}
	done(err == nil, len(doc.Sections))
	return doc, nil
}

func (r *runner) render(ctx context.Context, doc contract.Document) ([]byte, error) {
	tm := r.logger.Start("renderer", "render")
	rd, err := r.comp.Renderer.Render(ctx, doc)
	if err == nil {
		var body []byte
		if body, err = io.ReadAll(rd); err == nil {
			tm.Finish("render", int64(len(body)))
			diag.Record("renderer", nil)
			return body, nil
		}
	}
	t0 := tm.Since()
	r.logger.Error("renderer", diag.Classify(err).String(), "render failed", &t0)
	diag.Record("renderer", err)
	return nil, fmt.Errorf("render: %w", err)
}

func (r *runner) logCheck() {
	c := r.res.Check
	kv := diag.KV("status", string(c.Status), "passed", len(c.Passed), "warnings", len(c.Warnings), "errors", len(c.Errors))
	if c.Status == check.StatusPassed {
		r.logger.DebugStart("check", "report check", "", "", kv)
	} else {
		for _, w := range c.Warnings {
			r.logger.Warn("check", diag.CodeDegraded.String(), w, "", nil)
		}
		for _, e := range c.Errors {
			r.logger.Warn("check", diag.CodeInvariant.String(), e, "", nil)
		}
	}
	diag.IncOp("check", "finish", string(c.Status))
	rep := c
	r.audit = append(r.audit, auditEntry{Kind: "check", Check: &rep})
}

// pather 由可解析工件落盘路径的 Writer 实现。
type pather interface {
	Path(id contract.ArtifactID) (string, error)
}

func (r *runner) location(id contract.ArtifactID) string {
	if p, ok := r.comp.Writer.(pather); ok {
		if s, err := p.Path(id); err == nil {
			return s
		}
	}
	return string(id)
}

func (r *runner) write(ctx context.Context, name string, body []byte) error {
	done := stage("write", 1)
	tm := r.logger.StartWith("writer", "write", "", name)
	if err := r.comp.Writer.Write(ctx, contract.ArtifactID(name), bytes.NewReader(body)); err != nil {
		t0 := tm.Since()
		r.logger.ErrorWith("writer", diag.Classify(err).String(), "write failed", &t0, "", name)
		diag.Record("writer", err)
		done(false, 0)
		return fmt.Errorf("write report: %w", err)
	}
	tm.Finish("write", int64(len(body)))
	diag.Record("writer", nil)
	r.res.Report = r.location(contract.ArtifactID(name))
	done(true, 1)
	return nil
}

func (r *runner) writeAudit(ctx context.Context, name string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range r.audit {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode audit: %w", err)
		}
	}
	if err := r.comp.Writer.Write(ctx, contract.ArtifactID(name), &buf); err != nil {
		r.logger.ErrorWith("writer", diag.Classify(err).String(), "audit write failed", nil, "", name)
		diag.Record("writer", err)
		return fmt.Errorf("write audit: %w", err)
	}
	r.res.Audit = r.location(contract.ArtifactID(name))
	return nil
}

// publish 发布报告；失败只记告警，本地文件保留。
func (r *runner) publish(ctx context.Context, a contract.Artifact) {
	if r.comp.Publisher == nil {
		reason := r.set.NoPublishReason
		if reason == "" {
			reason = "no publisher configured"
		}
		r.logger.Warn("publisher", diag.CodeDegraded.String(), "publish skipped", "", diag.KV("reason", reason))
		r.audit = append(r.audit, auditEntry{Kind: "publish", Message: "skipped: " + reason})
		return
	}
	if r.res.Check.Status == check.StatusFailed {
		r.logger.Warn("publisher", diag.CodeInvariant.String(), "publish skipped: report check failed", "", nil)
		r.audit = append(r.audit, auditEntry{Kind: "publish", Code: diag.CodeInvariant.String(), Message: "skipped: report check failed"})
		return
	}
	done := stage("publish", 1)
	tm := r.logger.StartWith("publisher", "publish", "", a.Name)
	var out contract.PublishResult
	err := invoke.Call(ctx, "publish", r.policy(r.set.PublishTimeout), func(c context.Context) error {
		var err error
		out, err = r.comp.Publisher.Publish(c, a)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			r.degrade("publisher", "publish", "", "publish failed; report kept locally", err)
		}
		done(false, 0)
		return
	}
	tm.Finish("publish", 1)
	diag.Record("publisher", nil)
	r.logger.DebugStart("publisher", "pull request opened", "", "", diag.KV("url", out.URL, "branch", out.Branch))
	r.audit = append(r.audit, auditEntry{Kind: "publish", Message: "opened " + out.URL})
	r.res.Published = &out
	done(true, 1)
}

// verifyInvariants: 编号唯一、勘误日期不早于发布日期、映射无重复。
func verifyInvariants(recs []contract.PublicationRecord) error {
	seen := make(map[contract.PublicationID]bool, len(recs))
	for _, r := range recs {
		if seen[r.ID] {
			return fmt.Errorf("duplicate record %s: %w", r.ID, contract.ErrInvariantViolation)
		}
		seen[r.ID] = true
		if !r.ErrataDate.IsZero() && r.ErrataDate.Before(r.PublishedDate) {
			return fmt.Errorf("record %s errata %s before published %s: %w", r.ID, r.ErrataDate, r.PublishedDate, contract.ErrInvariantViolation)
		}
		refs := make(map[string]bool, len(r.ControlMappings))
		for _, c := range r.ControlMappings {
			k := c.String()
			if refs[k] {
				return fmt.Errorf("record %s duplicate control %s: %w", r.ID, k, contract.ErrInvariantViolation)
			}
			refs[k] = true
		}
	}
	return nil
}

// verifiedFacts 列出已按参考事实核对的出版物（PR 正文）。
func verifiedFacts(recs []contract.PublicationRecord) []string {
	var out []string
	for _, r := range recs {
		if !r.Verified {
			continue
		}
		s := fmt.Sprintf("%s: %s, %s", r.DisplayName(), r.Status, r.PublishedDate)
		if !r.ErrataDate.IsZero() {
			s += ", errata " + r.ErrataDate.String()
		}
		out = append(out, s)
	}
	return out
}

func sanity(c Components, s Settings) error {
	switch {
	case c.Searcher == nil, c.Fetcher == nil, c.Splitter == nil, c.Classifier == nil:
		return errors.New("nil component")
	case c.Renderer == nil, c.Writer == nil:
		return errors.New("nil component")
	case c.Ref == nil:
		return errors.New("reference data not loaded")
	case s.MaxArticles < 1:
		return fmt.Errorf("max articles %d < 1: %w", s.MaxArticles, contract.ErrInvalidInput)
	}
	return nil
}
