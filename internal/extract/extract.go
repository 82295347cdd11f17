// Package extract 将出版物页面 HTML 抽取为带元数据头的 Markdown 风格正文。
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"

	"nistsentinel/pkg/contract"
)

// ErrNoContent: 页面中没有可抽取的正文；调用方应改用兜底内容。
var ErrNoContent = errors.New("no extractable content")

// Meta: 写入正文头部的元数据。
type Meta struct {
	URL       string
	Status    contract.Status
	Published string
	Version   string
	Errata    string
}

// 整棵子树丢弃的元素。
var skipTags = map[string]bool{
	"script": true, "style": true, "nav": true, "footer": true, "header": true,
	"aside": true, "iframe": true, "noscript": true, "svg": true,
}

var (
	contentClass = regexp.MustCompile(`(?i)content|main|body`)
	multiNL      = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]+`)
)

// Page 抽取正文并加上元数据头。正文为空时返回 ErrNoContent。
func Page(r io.Reader, m Meta) (string, error) {
	body, err := Text(r)
	if err != nil {
		return "", err
	}
	return WithHeader(body, m), nil
}

// Text 选取主内容节点（main → article → class 含 content/main/body 的 div → body），
// 转为 ATX 标题与段落，清理后按 NFC 归一。
// 非 UTF-8 页面按 meta 声明（缺省 windows-1252）解码。
func Text(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	var src io.Reader = bytes.NewReader(raw)
	if !utf8.Valid(raw) {
		if src, err = charset.NewReader(src, ""); err != nil {
			return "", fmt.Errorf("decode html: %w", err)
		}
	}
	doc, err := html.Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	root := mainNode(doc)
	var sb strings.Builder
	walk(root, &sb, 0)
	out := clean(norm.NFC.String(sb.String()))
	if out == "" {
		return "", ErrNoContent
	}
	return out, nil
}

// WithHeader 在正文前加 "# Source: <url>" 与 Status/Published/Version/Errata 行（Status 仅 Draft 时写出）。
func WithHeader(body string, m Meta) string {
	var b strings.Builder
	b.WriteString("# Source: ")
	b.WriteString(m.URL)
	b.WriteString("\n\n")
	var meta []string
	if m.Status == contract.StatusDraft {
		meta = append(meta, "Status: Draft")
	}
	if m.Published != "" {
		meta = append(meta, "Published: "+m.Published)
	}
	if m.Version != "" {
		meta = append(meta, "Version: "+m.Version)
	}
	if m.Errata != "" {
		meta = append(meta, "Errata: "+m.Errata)
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, "\n"))
		b.WriteString("\n\n")
	}
	b.WriteString(body)
	return b.String()
}

func mainNode(doc *html.Node) *html.Node {
	if n := find(doc, func(n *html.Node) bool { return n.Data == "main" }); n != nil {
		return n
	}
	if n := find(doc, func(n *html.Node) bool { return n.Data == "article" }); n != nil {
		return n
	}
	if n := find(doc, func(n *html.Node) bool {
		return n.Data == "div" && contentClass.MatchString(attr(n, "class"))
	}); n != nil {
		return n
	}
	if n := find(doc, func(n *html.Node) bool { return n.Data == "body" }); n != nil {
		return n
	}
	return doc
}

// find 先序遍历返回首个匹配的元素节点（跳过丢弃子树）。
func find(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode {
		if skipTags[n.Data] {
			return nil
		}
		if pred(n) {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := find(c, pred); m != nil {
			return m
		}
	}
	return nil
}

func walk(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 64 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
		return
	case html.ElementNode:
		if skipTags[n.Data] {
			return
		}
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		case "p", "div", "section", "table":
			sb.WriteString("\n\n")
		case "br", "tr":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, depth+1)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "ul", "ol", "table":
			sb.WriteString("\n\n")
		}
	}
}

// clean 合并空白、删去空标题行（去空白后不超过 3 个字符的 # 行），连续空行压缩为一行。
func clean(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(multiSpace.ReplaceAllString(l, " "))
		if strings.HasPrefix(l, "#") && len(l) <= 3 {
			continue
		}
		out = append(out, l)
	}
	s = strings.Join(out, "\n")
	s = multiNL.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
