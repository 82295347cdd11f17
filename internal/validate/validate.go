// Package validate 以参考事实校正抓取得到的出版物元数据。
// 参考事实是权威值：不一致时以事实覆盖并产出审计项，从不因不一致报错。
package validate

import (
	"errors"
	"strings"

	"nistsentinel/pkg/contract"
)

// Result: 批量校验的产出。
type Result struct {
	Kept     []contract.PublicationRecord
	Issues   []contract.ValidationIssue
	Rejected []error
}

// Validate 校验单条记录。编号畸形时返回 *contract.MalformedRecordError，记录标记为 Rejected。
func Validate(rec contract.PublicationRecord, facts contract.ReferenceFacts) (contract.PublicationRecord, []contract.ValidationIssue, error) {
	out := rec.Clone()
	out.ID = contract.PublicationID(strings.TrimSpace(string(out.ID)))
	if out.ID == "" {
		out.Rejected = true
		return out, nil, &contract.MalformedRecordError{ID: string(rec.ID), Reason: "empty id"}
	}
	if !contract.ValidPublicationID(out.ID) {
		out.Rejected = true
		return out, nil, &contract.MalformedRecordError{ID: string(rec.ID), Reason: "does not match NNN-NNN[A-Z]"}
	}

	var issues []contract.ValidationIssue
	note := func(field, scraped, corrected string) {
		issues = append(issues, contract.ValidationIssue{RecordID: out.ID, Field: field, Scraped: scraped, Corrected: corrected})
	}

	if to, ok := facts.Alias(out.ID); ok && to != out.ID {
		note("id", string(out.ID), string(to))
		out.ID = to
		for i := range issues {
			issues[i].RecordID = to
		}
	}

	fact, ok := facts.Lookup(out.ID)
	if !ok {
		out.Verified = false
		issues = append(issues, checkErrata(&out)...)
		return out, issues, nil
	}

	if out.Title != fact.Title {
		note("title", out.Title, fact.Title)
		out.Title = fact.Title
	}
	if out.Status != fact.Status {
		note("status", out.Status.String(), fact.Status.String())
		out.Status = fact.Status
	}
	if !out.PublishedDate.Equal(fact.PublishedDate) {
		note("published_date", out.PublishedDate.String(), fact.PublishedDate.String())
		out.PublishedDate = fact.PublishedDate
	}
	if !fact.ErrataDate.IsZero() && !out.ErrataDate.Equal(fact.ErrataDate) {
		note("errata_date", out.ErrataDate.String(), fact.ErrataDate.String())
		out.ErrataDate = fact.ErrataDate
	}
	if fact.Revision != "" && out.Revision != fact.Revision {
		note("revision", out.Revision, fact.Revision)
		out.Revision = fact.Revision
	}
	if fact.URL != "" && out.SourceURL != fact.URL {
		note("source_url", out.SourceURL, fact.URL)
		out.SourceURL = fact.URL
	}
	issues = append(issues, checkErrata(&out)...)
	out.Verified = true
	return out, issues, nil
}

// checkErrata 清除早于发布日期的勘误日期。
func checkErrata(r *contract.PublicationRecord) []contract.ValidationIssue {
	if r.ErrataDate.IsZero() || r.PublishedDate.IsZero() || !r.ErrataDate.Before(r.PublishedDate) {
		return nil
	}
	iss := contract.ValidationIssue{RecordID: r.ID, Field: "errata_date", Scraped: r.ErrataDate.String(), Corrected: ""}
	r.ErrataDate = contract.Date{}
	return []contract.ValidationIssue{iss}
}

// ValidateAll 依次校验全部记录。被拒绝的记录不进入 Kept；不因单条失败中止。
func ValidateAll(recs []contract.PublicationRecord, facts contract.ReferenceFacts) Result {
	var res Result
	for _, r := range recs {
		v, issues, err := Validate(r, facts)
		res.Issues = append(res.Issues, issues...)
		if err != nil {
			var mre *contract.MalformedRecordError
			if !errors.As(err, &mre) {
				err = &contract.MalformedRecordError{ID: string(r.ID), Reason: err.Error()}
			}
			res.Rejected = append(res.Rejected, err)
			continue
		}
		res.Kept = append(res.Kept, v)
	}
	return res
}
