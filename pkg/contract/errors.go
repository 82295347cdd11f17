package contract

import (
	"errors"
	"fmt"
)

// 通用哨兵。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 领域错误分类。除 ErrFatalConfiguration 外均为可降级错误，不中止运行。
var (
	// ErrMalformedRecord: 编号无法解析；记录被拒绝，运行继续。
	ErrMalformedRecord = errors.New("malformed record")
	// ErrValidationMismatch: 抓取值与参考事实不符；已就地更正并记录。
	ErrValidationMismatch = errors.New("validation mismatch")
	// ErrClassificationUnavailable: 分类调用失败；跳过该记录的内容阶段映射。
	ErrClassificationUnavailable = errors.New("classification unavailable")
	// ErrSummaryUnavailable: 汇总调用失败；执行摘要回退为模板段落。
	ErrSummaryUnavailable = errors.New("summary unavailable")
	// ErrFatalConfiguration: 缺失必需凭据/配置；在任何抓取前中止。
	ErrFatalConfiguration = errors.New("fatal configuration")
)

// MalformedRecordError 携带被拒绝的原始编号与原因。
type MalformedRecordError struct {
	ID     string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %s", e.ID, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// ValidationIssue: 单个字段的更正审计项（抓取值 → 更正值）。
type ValidationIssue struct {
	RecordID  PublicationID `json:"record_id"`
	Field     string        `json:"field"`
	Scraped   string        `json:"scraped"`
	Corrected string        `json:"corrected"`
}

// Err 将审计项表示为可 errors.Is(ErrValidationMismatch) 的错误。
func (v ValidationIssue) Err() error {
	return fmt.Errorf("%s %s: %q -> %q: %w", v.RecordID, v.Field, v.Scraped, v.Corrected, ErrValidationMismatch)
}

// Fatal 将配置期错误包装为 ErrFatalConfiguration。
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatalConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalConfiguration, err)
}
