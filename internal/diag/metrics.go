package diag

import (
	"sort"
	"sync"
)

// 进程内指标（单次运行，结束时由 CLI 汇总写入日志）：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}

var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

// IncOp 累加操作计数（result=success|error|skip）。
func IncOp(comp, stage, result string) {
	add("op_total{"+comp+","+stage+","+result+"}", 1)
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	add("error_total{"+comp+","+code+"}", 1)
}

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	add("op_duration_ms{"+comp+","+stage+"}", durMS)
}

func add(key string, n int64) {
	metricsMu.Lock()
	counters[key] += n
	metricsMu.Unlock()
}

// Snapshot 返回当前计数副本。
func Snapshot() map[string]int64 {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	out := make(map[string]int64, len(counters))
	for k, v := range counters {
		out[k] = v
	}
	return out
}

// SnapshotKV 以稳定顺序转换为日志键值。
func SnapshotKV() map[string]string {
	snap := Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, snap[k])
	}
	return KV(pairs...)
}

// ResetMetrics 清空计数（测试与多次运行之间）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	metricsMu.Unlock()
}

// Record 汇总一次组件操作：成功计数，或错误计数+分类计数。
func Record(comp string, err error) {
	if err == nil {
		IncOp(comp, "finish", "success")
		return
	}
	IncOp(comp, "error", "error")
	if code := Classify(err); code != CodeUnknown {
		IncError(comp, string(code))
	}
}
