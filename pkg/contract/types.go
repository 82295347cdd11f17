package contract

import (
	"fmt"
	"strings"
	"time"
)

// PublicationID: 规范化出版物编号（形如 800-218、800-218A）。
type PublicationID string

// Status: 出版物状态。零值非法，解析失败时保持零值由上层决定。
type Status int

const (
	StatusUnknown Status = iota
	StatusFinal
	StatusDraft
	StatusWithdrawn
)

func (s Status) String() string {
	switch s {
	case StatusFinal:
		return "Final"
	case StatusDraft:
		return "Draft"
	case StatusWithdrawn:
		return "Withdrawn"
	default:
		return "Unknown"
	}
}

// ParseStatus 宽松解析（大小写无关；"initial public draft"/"ipd" 视为 Draft）。
func ParseStatus(s string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "final":
		return StatusFinal, nil
	case v == "draft" || v == "ipd" || v == "fpd" || strings.Contains(v, "draft"):
		return StatusDraft, nil
	case v == "withdrawn" || strings.Contains(v, "withdrawn"):
		return StatusWithdrawn, nil
	}
	return StatusUnknown, fmt.Errorf("status %q: %w", s, ErrInvalidInput)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Date: 日历日期（无时区语义）。零值表示缺省。
type Date struct{ t time.Time }

const dateLayout = "2006-01-02"

// ParseDate 解析 YYYY-MM-DD；空串返回零值。
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("date %q: %w", s, ErrInvalidInput)
	}
	return Date{t: t}, nil
}

// MustDate 仅用于静态数据与测试。
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DateOf 截取 t 的日历日期（UTC）。
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) IsZero() bool       { return d.t.IsZero() }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }
func (d Date) Time() time.Time    { return d.t }

func (d Date) Format(layout string) string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(layout)
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// FetchOutcome: 页面获取结果的两种变体（不由内容是否为空推断）。
type FetchOutcome int

const (
	Fetched FetchOutcome = iota + 1
	FallenBack
)

func (o FetchOutcome) String() string {
	switch o {
	case Fetched:
		return "fetched"
	case FallenBack:
		return "fallen_back"
	default:
		return "unset"
	}
}

// PublicationRecord: 单次运行内的规范化出版物记录。
// 约束：
// - 去重后 ID 唯一；
// - Draft 不得以 Final 呈现；
// - ErrataDate（若有）不早于 PublishedDate。
type PublicationRecord struct {
	ID            PublicationID
	Title         string
	Revision      string
	Status        Status
	PublishedDate Date
	ErrataDate    Date
	SourceURL     string
	RawContent    string
	Outcome       FetchOutcome
	Verified      bool
	Rejected      bool
	// ControlMappings: 有序且 (Catalog, Identifier) 唯一。
	ControlMappings []ControlReference
}

// UsedFallback 报告记录是否采用了兜底内容。
func (r PublicationRecord) UsedFallback() bool { return r.Outcome == FallenBack }

// Clone 深拷贝切片字段，避免阶段间共享底层数组。
func (r PublicationRecord) Clone() PublicationRecord {
	out := r
	if r.ControlMappings != nil {
		out.ControlMappings = make([]ControlReference, len(r.ControlMappings))
		copy(out.ControlMappings, r.ControlMappings)
	}
	return out
}

// DisplayName 形如 "SP 800-171 Rev. 3"。
func (r PublicationRecord) DisplayName() string {
	if r.Revision == "" {
		return "SP " + string(r.ID)
	}
	return "SP " + string(r.ID) + " " + r.Revision
}
