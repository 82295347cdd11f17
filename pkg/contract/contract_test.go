package contract

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// UT-CON-01: 编号规范化与修订拆分
func TestCanonicalizeID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantID  PublicationID
		wantRev string
	}{
		{"纯编号", "800-218", "800-218", ""},
		{"后缀字母", "800-218A", "800-218A", ""},
		{"紧凑修订", "800-171r3", "800-171", "Rev. 3"},
		{"两位序号修订", "800-53r5", "800-53", "Rev. 5"},
		{"带前缀与修订", "NIST SP 800-161 Rev. 1", "800-161", "Rev. 1"},
		{"小写后缀", "800-204d", "800-204D", ""},
		{"无法识别", "csf-2.0", "csf-2.0", ""},
		{"空串", "  ", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, rev := CanonicalizeID(tc.in)
			assert.Equal(t, tc.wantID, id)
			assert.Equal(t, tc.wantRev, rev)
		})
	}
}

// UT-CON-02: 编号格式校验
func TestValidPublicationID(t *testing.T) {
	for _, ok := range []PublicationID{"800-218", "800-218A", "800-53", "800-190"} {
		assert.True(t, ValidPublicationID(ok), ok)
	}
	for _, bad := range []PublicationID{"", "csf-2.0", "80-218", "800-2189", "800-218AB", "800-218a"} {
		assert.False(t, ValidPublicationID(bad), bad)
	}
}

// UT-CON-03: 状态解析（Draft 变体不得落为 Final）
func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"Final":                StatusFinal,
		"final":                StatusFinal,
		"Draft":                StatusDraft,
		"Initial Public Draft": StatusDraft,
		"ipd":                  StatusDraft,
		"Withdrawn":            StatusWithdrawn,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStatus("Rev. 5")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// UT-CON-04: 日期解析与比较
func TestDate(t *testing.T) {
	d, err := ParseDate("2022-11-17")
	require.NoError(t, err)
	assert.Equal(t, "2022-11-17", d.String())
	assert.True(t, MustDate("2022-05-13").Before(MustDate("2024-11-01")))

	zero, err := ParseDate("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", zero.String())

	_, err = ParseDate("Nov 2022")
	assert.ErrorIs(t, err, ErrInvalidInput)

	var u Date
	require.NoError(t, u.UnmarshalText([]byte("2024-07-26")))
	assert.True(t, u.Equal(MustDate("2024-07-26")))
}

// UT-CON-05: 目录别名解析
func TestParseCatalog(t *testing.T) {
	cases := map[string]Catalog{
		"SP800-53":   CatalogSP80053,
		"sp_800_53":  CatalogSP80053,
		"800-171":    CatalogSP800171,
		"SP 800-171": CatalogSP800171,
		"sp_800_171": CatalogSP800171,
		"SSDF":       CatalogSSDF,
		"ssdf":       CatalogSSDF,
	}
	for in, want := range cases {
		got, err := ParseCatalog(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCatalog("ISO27001")
	assert.Error(t, err)
}

// UT-CON-06: 白名单只读查询
func TestTaxonomy(t *testing.T) {
	tax := NewTaxonomy(map[Catalog][]string{
		CatalogSP80053: {"AC", "SA-11", " "},
		CatalogSSDF:    {"PO.1"},
	})
	assert.True(t, tax.Contains(CatalogSP80053, "SA-11"))
	assert.False(t, tax.Contains(CatalogSP80053, "AC-99"))
	assert.False(t, tax.Contains(CatalogSP800171, "3.1.1"))
	assert.Equal(t, []string{"AC", "SA-11"}, tax.Identifiers(CatalogSP80053))
	assert.Equal(t, 3, tax.Len())
}

// UT-CON-07: 错误分类包装
func TestErrors(t *testing.T) {
	var err error = &MalformedRecordError{ID: "csf-2.0", Reason: "pattern"}
	assert.ErrorIs(t, err, ErrMalformedRecord)
	var mre *MalformedRecordError
	require.True(t, errors.As(err, &mre))
	assert.Equal(t, "csf-2.0", mre.ID)

	issue := ValidationIssue{RecordID: "800-215", Field: "published_date", Scraped: "2022-01-01", Corrected: "2023-11-17"}
	assert.ErrorIs(t, issue.Err(), ErrValidationMismatch)

	fatal := Fatal(errors.New("missing key"))
	assert.ErrorIs(t, fatal, ErrFatalConfiguration)
	assert.Same(t, fatal, Fatal(fatal))
	assert.Nil(t, Fatal(nil))
}

// UT-CON-08: 事实表只读副本
func TestReferenceFacts(t *testing.T) {
	facts := map[PublicationID]ReferenceFact{"800-218": {Title: "SSDF", Status: StatusFinal}}
	rf := NewReferenceFacts(facts, map[PublicationID]PublicationID{"800-204C": "800-204D"}, []PublicationID{"800-210"})
	facts["800-999"] = ReferenceFact{Title: "x"}
	_, ok := rf.Lookup("800-999")
	assert.False(t, ok, "构造后不应受源 map 修改影响")
	to, ok := rf.Alias("800-204C")
	assert.True(t, ok)
	assert.Equal(t, PublicationID("800-204D"), to)
	assert.True(t, rf.IsInvalid("800-210"))
	assert.Equal(t, []PublicationID{"800-218"}, rf.IDs())
}

// UT-CON-09: 记录拷贝与展示名
func TestRecordClone(t *testing.T) {
	r := PublicationRecord{ID: "800-171", Revision: "Rev. 3", ControlMappings: []ControlReference{{Catalog: CatalogSSDF, Identifier: "PO.1"}}}
	c := r.Clone()
	c.ControlMappings[0].Identifier = "PS.1"
	assert.Equal(t, "PO.1", r.ControlMappings[0].Identifier)
	assert.Equal(t, "SP 800-171 Rev. 3", r.DisplayName())
	assert.False(t, r.UsedFallback())
	r.Outcome = FallenBack
	assert.True(t, r.UsedFallback())
}

// UT-CON-10: 上游状态码映射
func TestStatusError(t *testing.T) {
	assert.True(t, errors.Is(StatusError("x", 429, nil), ErrRateLimited))
	assert.True(t, errors.Is(StatusError("x", 404, []byte("nope")), ErrInvalidInput))

	err := StatusError("openai", 503, []byte(" busy "))
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	var ue UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, 503, ue.UpstreamStatus())
	assert.Equal(t, "busy", ue.UpstreamMessage())
	assert.True(t, StatusError("x", 408, nil).(*HTTPError).Timeout())
}
