//go:build !windows

package filesystem

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// UT-WFS-07: 文件权限按配置生效
func TestWritePermUnix(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir, PermFile: 0o600})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "r.md", bytes.NewBufferString("x")))
	info, err := os.Stat(filepath.Join(dir, "r.md"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
