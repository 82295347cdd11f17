package extract

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/pkg/contract"
)

const page = `<html><head><title>x</title><script>bad()</script></head><body>
<header>Site header</header><nav>menu</nav>
<main><h1>SP 800-218A</h1><h2> </h2><p>The profile  augments   SSDF.</p>
<ul><li>one</li><li>two</li></ul><aside>related</aside></main>
<footer>footer text</footer></body></html>`

// UT-EXT-01: main 节点抽取、噪声元素丢弃、空标题删除与空行压缩
func TestTextMain(t *testing.T) {
	got, err := Text(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "# SP 800-218A\n\nThe profile augments SSDF.\n\n- one\n- two", got)
	for _, noise := range []string{"bad()", "menu", "Site header", "footer text", "related"} {
		assert.NotContains(t, got, noise)
	}
}

// UT-EXT-02: 无 main/article 时取 class 命中的 div，否则取 body
func TestTextNodeSelection(t *testing.T) {
	got, err := Text(strings.NewReader(`<body><div class="sidebar">skip</div><div class="page-content"><p>keep</p></div></body>`))
	require.NoError(t, err)
	assert.Equal(t, "keep", got)

	got, err = Text(strings.NewReader(`<body><div class="x">a</div><p>b</p></body>`))
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb", got)

	got, err = Text(strings.NewReader(`<body><article><h3>Abstract</h3><p>text</p></article><p>outside</p></body>`))
	require.NoError(t, err)
	assert.Equal(t, "### Abstract\n\ntext", got)
}

// UT-EXT-03: NFC 归一
func TestTextNFC(t *testing.T) {
	got, err := Text(strings.NewReader("<main><p>Re\u0301sume\u0301</p></main>"))
	require.NoError(t, err)
	assert.Equal(t, "R\u00e9sum\u00e9", got)
}

// UT-EXT-06: 非 UTF-8 页面按声明或缺省编码解码
func TestTextLegacyCharset(t *testing.T) {
	got, err := Text(strings.NewReader("<html><head><meta charset=\"iso-8859-1\"></head><main><p>caf\xe9 software</p></main></html>"))
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9 software", got)

	got, err = Text(strings.NewReader("<main><p>\xffsupply chain</p></main>"))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "supply chain")
}

// UT-EXT-04: 无正文返回 ErrNoContent
func TestTextEmpty(t *testing.T) {
	_, err := Text(strings.NewReader(`<html><body><script>x()</script><nav>n</nav></body></html>`))
	assert.True(t, errors.Is(err, ErrNoContent))

	_, err = Page(strings.NewReader(`<main><h2></h2></main>`), Meta{URL: "u"})
	assert.True(t, errors.Is(err, ErrNoContent))
}

// UT-EXT-05: 元数据头
func TestWithHeader(t *testing.T) {
	got := WithHeader("body", Meta{
		URL: "https://csrc.nist.gov/pubs/sp/800/218/a/final", Status: contract.StatusDraft,
		Published: "2024-07-26", Version: "Rev. 1", Errata: "2024-11-01",
	})
	assert.Equal(t, "# Source: https://csrc.nist.gov/pubs/sp/800/218/a/final\n\n"+
		"Status: Draft\nPublished: 2024-07-26\nVersion: Rev. 1\nErrata: 2024-11-01\n\nbody", got)

	assert.Equal(t, "# Source: u\n\nbody", WithHeader("body", Meta{URL: "u", Status: contract.StatusFinal}))
}
