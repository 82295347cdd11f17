package contract

import (
	"context"
	"io"
)

// SearchResult: 目录检索结果。IDHint/Published/Version/Errata 为可选的抓取元数据（不可信）。
type SearchResult struct {
	IDHint    string
	Title     string
	URL       string
	Snippet   string
	Published string
	Version   string
	Errata    string
}

// Searcher: 返回至多 max 条检索结果（按目录自身顺序）。
type Searcher interface {
	Search(ctx context.Context, max int) ([]SearchResult, error)
}

// PageFetcher: 拉取页面 HTML 字节流；调用方负责 Close。
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// PageResult: 单页处理结果的显式两变体：Fetched 携带抽取文本；FallenBack 携带兜底文本与原因。
type PageResult struct {
	Outcome FetchOutcome
	Content string
	Cause   error
}
