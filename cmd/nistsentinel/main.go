package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "nistsentinel/internal/config"
	"nistsentinel/internal/check"
	"nistsentinel/internal/diag"
	"nistsentinel/internal/pipeline"
	"nistsentinel/internal/refdata"
	"nistsentinel/pkg/contract"
	"nistsentinel/pkg/registry"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期错误（含自检失败）；3 配置错误。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// exitError 携带退出码；命令只返回此类型，其余错误来自参数解析。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

// classifyExit: 配置类错误为 3，其余为 1。
func classifyExit(err error) int {
	if errors.Is(err, contract.ErrFatalConfiguration) {
		return exitConfig
	}
	return exitRuntime
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fprintf(stderr, "error: %v\n", err)
	return exitConfig
}

// options: 命令行旗标。数值旗标的零值/负值表示未覆盖。
type options struct {
	config      string
	llm         string
	maxArticles int
	maxRetries  int
	outputDir   string
	noPublish   bool
	status      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "nistsentinel",
		Short:         "Track NIST SP 800 publications and write a compliance update report",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 在读取任何环境变量之前加载，不覆盖已有变量
			if err := cfgpkg.LoadDotEnv(".env"); err != nil {
				fprintf(stderr, "warning: .env ignored: %v\n", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error { return runPipeline(cmd, o, stdout, stderr) },
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&o.config, "config", "", "config file (YAML); defaults to ./config.yaml when present")
	addRunFlags(root, o)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once (default command)",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runPipeline(cmd, o, stdout, stderr) },
	}
	addRunFlags(runCmd, o)

	initCmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write config.yaml and .env templates (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			written, err := cfgpkg.WriteTemplates(dir)
			if err != nil {
				fprintf(stderr, "init-config failed: %v\n", err)
				return fail(exitConfig, err)
			}
			if len(written) == 0 {
				fprintf(stdout, "nothing written: templates already exist in %s\n", dir)
			}
			for _, p := range written {
				fprintf(stdout, "wrote %s\n", p)
			}
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <report.md>",
		Short: "Check a generated report; exits 1 when the check fails",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return checkReport(o, args[0], stdout, stderr) },
	}

	verifyCmd := &cobra.Command{
		Use:   "verify-access",
		Short: "Verify the publisher token can reach and push to the repository",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return verifyAccess(cmd.Context(), o, stdout, stderr) },
	}

	root.AddCommand(runCmd, initCmd, checkCmd, verifyCmd)
	return root
}

func addRunFlags(cmd *cobra.Command, o *options) {
	f := cmd.Flags()
	f.StringVar(&o.llm, "llm", "", "provider name (overrides config)")
	f.IntVar(&o.maxArticles, "max-articles", 0, "number of publications to process, 1..50 (overrides config)")
	// 0 有语义（不重试），默认 -1 表示未覆盖
	f.IntVar(&o.maxRetries, "max-retries", -1, "retries per external call, 0..1 (overrides config)")
	f.StringVar(&o.outputDir, "output-dir", "", "report directory (overrides config)")
	f.BoolVar(&o.noPublish, "no-publish", false, "write the report locally without opening a pull request")
	f.BoolVar(&o.status, "status", true, "stage status lines on stderr")
}

// loadLayers 合并 Defaults → 配置文件 → ENV → CLI，不做校验。
func loadLayers(o *options) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	var raw []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_YAML"); s != "" {
		raw = []byte(s)
	}
	path := o.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.LoadYAML(path, raw)
		if err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, over)

	cli := cfgpkg.Config{MaxRetries: o.maxRetries, LLM: o.llm, OutputDir: o.outputDir}
	if o.maxArticles != 0 {
		cli.MaxArticles = o.maxArticles
	}
	if o.noPublish {
		off := false
		cli.Publish = &off
	}
	return cfgpkg.Merge(cfg, cli), nil
}

func loadConfig(o *options) (cfgpkg.Config, error) {
	cfg, err := loadLayers(o)
	if err != nil {
		return cfg, contract.Fatal(err)
	}
	return cfg, cfgpkg.Validate(cfg)
}

func runPipeline(cmd *cobra.Command, o *options, stdout, stderr io.Writer) error {
	start := time.Now()
	corrID := uuid.NewString()

	cfg, err := loadConfig(o)
	if err != nil {
		fprintf(stderr, "configuration error: %v\n", err)
		logger := diag.NewLogger(corrID, "info")
		logger.Error("pipeline", diag.Classify(err).String(), "first error", &start)
		_ = logger.Sync()
		return fail(exitConfig, err)
	}
	logger := diag.NewLogger(corrID, cfg.Logging.Level)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, set, err := cfgpkg.Assemble(ctx, cfg, logger)
	if err != nil {
		fprintf(stderr, "configuration error: %v\n", err)
		logger.Error("pipeline", diag.Classify(err).String(), "first error", &start)
		return fail(exitConfig, err)
	}

	term := diag.NewTerminal(stderr, o.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.LLM, cfg.MaxArticles)

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	res, err := pipelineRun(ctx, comp, set, logger)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("pipeline", code.String(), "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", code.String())
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "run failed: %v\n", err)
		}
		term.RunFinish(false, time.Since(start), "")
		return fail(classifyExit(err), err)
	}

	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	logger.DebugStart("metrics", "snapshot", "", "", diag.SnapshotKV())
	term.RunFinish(true, time.Since(start), res.Report)

	fprintf(stdout, "report: %s\n", res.Report)
	fprintf(stdout, "audit: %s\n", res.Audit)
	fprintf(stdout, "records: %d (issues %d, rejected %d, degraded %d)\n", res.Records, res.Issues, res.Rejected, res.Degraded)
	fprintf(stdout, "check: %s\n", res.Check.Status)
	if res.Published != nil {
		fprintf(stdout, "pull request: %s\n", res.Published.URL)
	}
	return nil
}

// effectiveKV: debug 日志中的有效配置（不含任何凭据）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	c := cfg.Components
	kv := diag.KV(
		"max_articles", cfg.MaxArticles,
		"max_retries", cfg.MaxRetries,
		"max_tokens", cfg.MaxTokens,
		"llm", cfg.LLM,
		"searcher", c.Searcher,
		"fetcher", c.Fetcher,
		"filter", c.Filter,
		"writer", c.Writer,
		"publisher", c.Publisher,
	)
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			Model   string `yaml:"model"`
			BaseURL string `yaml:"base_url"`
		}
		if p.Options != nil && p.Options.Decode(&s) == nil {
			if s.Model != "" {
				kv["model"] = s.Model
			}
			if s.BaseURL != "" {
				kv["base_url"] = s.BaseURL
			}
		}
	}
	return kv
}

func checkReport(o *options, path string, stdout, stderr io.Writer) error {
	b, err := os.ReadFile(path)
	if err != nil {
		fprintf(stderr, "check: %v\n", err)
		return fail(exitRuntime, err)
	}
	// 仅需参考数据路径；其余配置不校验
	cfg, err := loadLayers(o)
	if err != nil {
		fprintf(stderr, "configuration error: %v\n", err)
		return fail(exitConfig, err)
	}
	ref, err := refdata.Load(cfg.RefData)
	if err != nil {
		fprintf(stderr, "reference data: %v\n", err)
		return fail(exitConfig, err)
	}
	rep := check.Run(string(b), ref.Facts)
	out, _ := json.MarshalIndent(rep, "", "  ")
	fprintf(stdout, "%s\n", out)
	if rep.Status == check.StatusFailed {
		return fail(exitRuntime, fmt.Errorf("check failed: %d error(s)", len(rep.Errors)))
	}
	return nil
}

func verifyAccess(ctx context.Context, o *options, stdout, stderr io.Writer) error {
	cfg, err := loadLayers(o)
	if err != nil {
		fprintf(stderr, "configuration error: %v\n", err)
		return fail(exitConfig, err)
	}
	pub, err := cfgpkg.NewPublisher(cfg)
	if err != nil {
		fprintf(stderr, "configuration error: %v\n", err)
		return fail(exitConfig, err)
	}
	v, ok := pub.(registry.AccessVerifier)
	if !ok {
		err := contract.Fatal(fmt.Errorf("publisher %q cannot verify access", cfg.Components.Publisher))
		fprintf(stderr, "%v\n", err)
		return fail(exitConfig, err)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeouts.Publish)*time.Second)
	defer cancel()
	if err := v.VerifyAccess(ctx); err != nil {
		fprintf(stderr, "access check failed for %s: %v\n", v.Repo(), err)
		return fail(classifyExit(err), err)
	}
	fprintf(stdout, "access ok: %s\n", v.Repo())
	return nil
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }
