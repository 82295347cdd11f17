package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nistsentinel/pkg/contract"
)

func noTemp(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "tmp file not cleaned: %s", e.Name())
	}
}

// UT-WFS-01: 原子写入并替换已有内容，不残留临时文件
func TestWriteAtomicReplace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "output")
	w, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "nist-summary.md", bytes.NewBufferString("v1")))
	require.NoError(t, w.Write(context.Background(), "nist-summary.md", bytes.NewBufferString("v2")))
	b, err := os.ReadFile(filepath.Join(dir, "nist-summary.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b))
	noTemp(t, dir)

	p, err := w.Path("nist-summary.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nist-summary.md"), p)
}

// UT-WFS-02: 非原子写入
func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	off := false
	w, _ := New(&Options{OutputDir: dir, Atomic: &off})
	require.NoError(t, w.Write(context.Background(), "a.audit.jsonl", bytes.NewBufferString("{}\n")))
	_, err := os.Stat(filepath.Join(dir, "a.audit.jsonl"))
	assert.NoError(t, err)
}

// UT-WFS-03: 子路径、越界与不允许的扩展名
func TestWritePathInvalid(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, id := range []string{"", ".", "..", "../x.md", "sub/x.md", `sub\x.md`, "/abs.md", "x.exe"} {
		err := w.Write(context.Background(), contract.ArtifactID(id), bytes.NewBufferString("x"))
		assert.True(t, errors.Is(err, contract.ErrPathInvalid), "id=%q err=%v", id, err)
	}
}

// UT-WFS-04: 默认输出目录
func TestNewDefaults(t *testing.T) {
	w, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "output", w.root)
	assert.True(t, w.atomic)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

// UT-WFS-05: 拷贝失败时清理临时文件且不产出目标
func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	assert.Error(t, w.Write(context.Background(), "a.md", errReader{}))
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

// UT-WFS-06: 上下文取消
func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, "a.md", strings.NewReader("data")), context.Canceled)

	r := readerWithCtx(ctx, strings.NewReader("data"))
	_, err := r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
