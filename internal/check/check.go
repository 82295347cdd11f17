// Package check 对渲染后的 Markdown 报告做发布前自检：必需章节、单表、无效编号、URL 形态、关键出版物覆盖与日期一致性。
package check

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"nistsentinel/pkg/contract"
)

// Status: 自检结论。
type Status string

const (
	StatusPassed       Status = "passed"
	StatusWithWarnings Status = "passed_with_warnings"
	StatusFailed       Status = "failed"
)

// RequiredSections: 报告必须出现的二级标题（顺序即渲染顺序）。
var RequiredSections = []string{
	"Executive Summary",
	"Latest Updates Discovered",
	"Impact on Software Development Organizations",
	"Key Actions and Checklist",
	"Quick Reference Table",
	"References and Citations",
}

// KeyPublications: 报告应当提及的关键出版物。
var KeyPublications = []contract.PublicationID{"800-218A", "800-218", "800-171", "800-204D"}

// Report: 自检结果。
type Report struct {
	Status   Status   `json:"status"`
	Passed   []string `json:"passed"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

var (
	nistURL      = regexp.MustCompile(`https://csrc\.nist\.gov[^\s)>\]]*`)
	canonicalURL = regexp.MustCompile(`^https://csrc\.nist\.gov/pubs/sp/\d+/[^/\s]+(?:/[^/\s]+)*/final$`)
	tableSep     = regexp.MustCompile(`(?m)^\s*\|(?:\s*:?-{3,}:?\s*\|)+\s*$`)
	isoDate      = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
)

// dateWindow: 日期检查在编号首次出现处前后的字符窗口。
const dateWindow = 200

// Run 检查 Markdown 文本。facts 提供日期基准与无效编号表。
func Run(md string, facts contract.ReferenceFacts) Report {
	var r Report
	pass := func(f string, a ...any) { r.Passed = append(r.Passed, fmt.Sprintf(f, a...)) }
	warn := func(f string, a ...any) { r.Warnings = append(r.Warnings, fmt.Sprintf(f, a...)) }
	fail := func(f string, a ...any) { r.Errors = append(r.Errors, fmt.Sprintf(f, a...)) }

	// 必需章节
	for _, s := range RequiredSections {
		if hasHeading(md, s) {
			pass("section found: %s", s)
		} else {
			fail("missing required section: %s", s)
		}
	}

	// 单表
	switch n := len(tableSep.FindAllStringIndex(md, -1)); n {
	case 1:
		pass("single reference table")
	default:
		fail("expected exactly one table, found %d", n)
	}

	// 无效编号
	for _, id := range facts.Invalid() {
		if mentions(md, id) {
			fail("invalid publication referenced: %s", id)
		} else {
			pass("no reference to invalid publication: %s", id)
		}
	}

	// URL 形态
	for _, u := range dedupe(nistURL.FindAllString(md, -1)) {
		if canonicalURL.MatchString(u) {
			pass("canonical url: %s", u)
		} else {
			warn("check url format: %s", u)
		}
	}

	// 关键出版物覆盖
	var missing []string
	for _, id := range KeyPublications {
		if !mentions(md, id) {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		warn("key publications not mentioned: %s", strings.Join(missing, ", "))
	} else {
		pass("all key publications referenced")
	}

	// 日期一致性：首次出现处附近应含参考日期
	for _, id := range facts.IDs() {
		f, _ := facts.Lookup(id)
		if f.PublishedDate.IsZero() {
			continue
		}
		loc := mentionIndex(md, id)
		if loc == nil {
			continue
		}
		lo, hi := loc[0]-dateWindow, loc[1]+dateWindow
		if lo < 0 {
			lo = 0
		}
		if hi > len(md) {
			hi = len(md)
		}
		found := isoDate.FindAllString(md[lo:hi], -1)
		want := f.PublishedDate.String()
		switch {
		case contains(found, want):
			pass("correct date for %s: %s", id, want)
		case len(found) > 0:
			warn("possible incorrect date for %s: expected %s, found %s", id, want, found[0])
		}
	}

	switch {
	case len(r.Errors) > 0:
		r.Status = StatusFailed
	case len(r.Warnings) > 0:
		r.Status = StatusWithWarnings
	default:
		r.Status = StatusPassed
	}
	return r
}

func hasHeading(md, title string) bool {
	re := regexp.MustCompile(`(?m)^#{1,6}\s+` + regexp.QuoteMeta(title) + `\s*$`)
	return re.MatchString(md)
}

// idPattern 匹配独立出现的编号（800-218 不命中 800-218A）。
func idPattern(id contract.PublicationID) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^0-9A-Za-z])` + regexp.QuoteMeta(string(id)) + `(?:$|[^0-9A-Za-z])`)
}

func mentions(md string, id contract.PublicationID) bool { return mentionIndex(md, id) != nil }

func mentionIndex(md string, id contract.PublicationID) []int { return idPattern(id).FindStringIndex(md) }

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range in {
		s = strings.TrimRight(s, ".,;")
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
