package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"nistsentinel/pkg/contract"
)

// Options: 本地镜像抓取器配置（离线运行与测试）。
type Options struct {
	// Root: 镜像根目录；URL 路径映射为 Root 下的相对路径。
	Root string `yaml:"root" validate:"required"`
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `yaml:"buf_size" validate:"gte=0"`
}

// FileSystem 将 URL 映射到本地镜像文件：
// https://csrc.nist.gov/pubs/sp/800/218/final → <root>/pubs/sp/800/218/final.html，
// 其次 <root>/pubs/sp/800/218/final/index.html。
type FileSystem struct {
	root    string
	bufSize int
}

func New(opts *Options) (*FileSystem, error) {
	const defaultBuf = 64 * 1024
	if opts == nil || strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("fs fetcher: root required: %w", contract.ErrInvalidInput)
	}
	b := defaultBuf
	if opts.BufSize > 0 {
		b = opts.BufSize
	}
	return &FileSystem{root: filepath.Clean(opts.Root), bufSize: b}, nil
}

func (r *FileSystem) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	rel, err := r.relPath(rawURL)
	if err != nil {
		return nil, err
	}
	for _, cand := range []string{rel + ".html", filepath.Join(rel, "index.html"), rel} {
		p := filepath.Join(r.root, cand)
		// 仅跟随到常规文件
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		return newBufferedCloser(f, r.bufSize), nil
	}
	return nil, &os.PathError{Op: "fetch", Path: filepath.Join(r.root, rel), Err: os.ErrNotExist}
}

// relPath 取 URL 路径并拒绝越界（绝对路径、'..' 逃逸）。
func (r *FileSystem) relPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fs fetcher: url %q: %v: %w", rawURL, err, contract.ErrInvalidInput)
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return "", fmt.Errorf("fs fetcher: url %q has no path: %w", rawURL, contract.ErrPathInvalid)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." {
			return "", fmt.Errorf("fs fetcher: url %q escapes root: %w", rawURL, contract.ErrPathInvalid)
		}
	}
	return filepath.FromSlash(p), nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }

var _ contract.PageFetcher = (*FileSystem)(nil)
