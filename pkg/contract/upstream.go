package contract

import (
	"fmt"
	"net/http"
	"strings"
)

// UpstreamError 承载 HTTP 上游错误的最小诊断信息（LLM、页面抓取、代码托管 API 共用）。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// HTTPError: 可重试的上游错误（5xx/408）。实现 net.Error，归类为网络错误。
type HTTPError struct {
	Source string
	Status int
	Msg    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Source, e.Status, e.Msg)
}
func (e *HTTPError) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e *HTTPError) Temporary() bool         { return e.Status/100 == 5 }
func (e *HTTPError) UpstreamStatus() int     { return e.Status }
func (e *HTTPError) UpstreamMessage() string { return e.Msg }

// StatusError 将非 2xx 响应映射为错误：429 → ErrRateLimited；408/5xx → *HTTPError；其余 → ErrInvalidInput。
func StatusError(source string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s upstream %d: %w", source, status, ErrRateLimited)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return &HTTPError{Source: source, Status: status, Msg: msg}
	default:
		return fmt.Errorf("%s upstream %d: %s: %w", source, status, msg, ErrInvalidInput)
	}
}
