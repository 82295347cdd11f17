package contract

import (
	"context"
	"io"
	"time"
)

// TableColumns: 综合速查表的固定列。
var TableColumns = [4]string{"Publication", "Status", "Date", "Mapped Controls"}

// Section: 单个出版物小节。
type Section struct {
	RecordID      PublicationID
	Title         string
	Status        Status
	PublishedDate Date
	ErrataDate    Date
	SourceURL     string
	ImpactNote    string
	Controls      []ControlReference
	Verified      bool
	UsedFallback  bool
}

// TableRow: 综合表的一行。
type TableRow struct {
	Publication    string
	Status         string
	Date           string
	MappedControls string
}

// Citation: 引用条目。
type Citation struct {
	Label string
	URL   string
}

// Document: 报告值对象。结构上只有一个 Table 字段，保证单表。
type Document struct {
	Title            string
	GeneratedAt      time.Time
	ExecutiveSummary string
	SummaryFallback  bool
	Sections         []Section
	Table            []TableRow
	Citations        []Citation
}

// Renderer: 将 Document 渲染为可写出的字节流。
type Renderer interface {
	Render(ctx context.Context, doc Document) (io.Reader, error)
}
