package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（相对输出根的路径或文件名）。
type ArtifactID string

// Writer: 将渲染结果以流式方式持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入，按字节透传，不读取/修改业务内容；
//  3. ctx 取消需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Artifact: 交给发布者的完整报告。
type Artifact struct {
	Name     string
	Body     []byte
	Title    string
	Date     Date
	Summary  string
	Verified []string
	Status   string
}

// PublishResult: 发布成功后的定位信息。
type PublishResult struct {
	URL    string
	Branch string
}

// Publisher: 将报告提交到外部系统（例如以 PR 形式）。
type Publisher interface {
	Publish(ctx context.Context, a Artifact) (PublishResult, error)
}
