//go:build !windows

package filesystem

import "os"

// osReplace: POSIX rename 即原子替换。
func osReplace(tmpPath, dest string) error { return os.Rename(tmpPath, dest) }

// syncDir 同步父目录，使 rename 落盘。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
