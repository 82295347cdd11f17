package diag

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nistsentinel/pkg/contract"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger 为结构化日志器：单行 JSON（zap 编码）写入轮转文件，失败时回落 stderr。
// 字段：level, ts, corr_id, comp, stage, code, dur_ms, count, record_id, step, msg, kv。
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
	sink  *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(corrID, level, sink)
	l.sink = sink
	return l
}

// NewLoggerTo 写入任意 io.Writer（测试或自定义汇聚）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	lvl := zap.NewAtomicLevelAt(parseLevel(strings.TrimSpace(level)).zap())
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, e zapcore.PrimitiveArrayEncoder) { e.AppendString(t.UTC().Format(time.RFC3339)) },
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	ws := zapcore.AddSync(&fallbackWriter{w: w})
	core := zapcore.NewCore(enc, ws, lvl)
	z := zap.New(core).With(zap.String("corr_id", corrID))
	return &Logger{z: z, level: lvl}
}

// Nop 返回丢弃全部事件的日志器。
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.ErrorLevel)}
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// ValidLevel 报告 s 是否为可接受的日志级别名。
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// Event 为标准事件结构。
type Event struct {
	Comp     string
	Stage    string // start|finish|error|warn|issue
	Code     string
	DurMS    int64
	Count    int64
	RecordID string
	Step     string
	Msg      string
	KV       map[string]string
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv.zap(), ev.Msg)
	if ce == nil {
		return
	}
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", ev.Comp), zap.String("stage", ev.Stage))
	if ev.Code != "" {
		fs = append(fs, zap.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		fs = append(fs, zap.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		fs = append(fs, zap.Int64("count", ev.Count))
	}
	if ev.RecordID != "" {
		fs = append(fs, zap.String("record_id", ev.RecordID))
	}
	if ev.Step != "" {
		fs = append(fs, zap.String("step", ev.Step))
	}
	if len(ev.KV) > 0 {
		fs = append(fs, zap.Any("kv", ev.KV))
	}
	ce.Write(fs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 record_id/step 的 start。
func (l *Logger) StartWith(comp, msg, recordID, step string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", RecordID: recordID, Step: step, Msg: msg})
	return &Timer{l: l, comp: comp, recordID: recordID, step: step, t0: time.Now()}
}

// StartWithKV 记录带 record_id/step 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, recordID, step string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", RecordID: recordID, Step: step, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, recordID: recordID, step: step, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 record_id/step。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, recordID, step string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, RecordID: recordID, Step: step})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, recordID, step string, kv map[string]string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, RecordID: recordID, Step: step, KV: kv})
}

// Warn 记录降级路径（继续运行）。
func (l *Logger) Warn(comp, code, msg, recordID string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, RecordID: recordID, KV: kv})
}

// Issue 记录一条校验更正（新旧值均写出）。
func (l *Logger) Issue(comp string, is contract.ValidationIssue) {
	l.log(Warn, Event{
		Comp:     comp,
		Stage:    "issue",
		Code:     string(CodeDegraded),
		RecordID: string(is.RecordID),
		Msg:      "corrected " + is.Field,
		KV:       map[string]string{"field": is.Field, "scraped": is.Scraped, "corrected": is.Corrected},
	})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, recordID, step string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", RecordID: recordID, Step: step, Msg: msg, KV: kv})
}

// Sync 刷新并关闭底层文件。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l        *Logger
	comp     string
	recordID string
	step     string
	t0       time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, RecordID: t.recordID, Step: t.step, Msg: msg})
}

// Since 返回计时起点。
func (t *Timer) Since() time.Time {
	if t == nil {
		return time.Now()
	}
	return t.t0
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// fallbackWriter 写入失败时改写 stderr。
type fallbackWriter struct{ w io.Writer }

func (f *fallbackWriter) Write(p []byte) (int, error) {
	if f.w == nil {
		return os.Stderr.Write(p)
	}
	n, err := f.w.Write(p)
	if err == nil {
		return n, nil
	}
	_, _ = os.Stderr.WriteString("logger sink error: " + err.Error() + "\n")
	return os.Stderr.Write(p)
}

// KV 便捷构造：成对的 key/value，奇数尾项忽略。
func KV(pairs ...any) map[string]string {
	if len(pairs) < 2 {
		return nil
	}
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		if k == "" {
			continue
		}
		switch v := pairs[i+1].(type) {
		case string:
			m[k] = v
		case int:
			m[k] = strconv.Itoa(v)
		case int64:
			m[k] = strconv.FormatInt(v, 10)
		case bool:
			m[k] = strconv.FormatBool(v)
		case error:
			if v != nil {
				m[k] = v.Error()
			}
		case interface{ String() string }:
			m[k] = v.String()
		}
	}
	return m
}
