package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	currentLogName = "nistsentinel-current.log"
	backupPrefix   = "nistsentinel-"
	backupSuffix   = ".log"
	defaultMaxSize = 10 << 20
	defaultKeep    = 5
)

// RotatingFile 是 zap 的文件汇聚端：首次写入时才创建目录与文件；
// 超过 maxBytes 时把 current 改名为带时间戳的备份，只保留最近 keep 份。
type RotatingFile struct {
	dir      string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	f    *os.File
	size int64
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSize
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, keep: defaultKeep}
}

// WithKeep 设置备份保留份数；n<=0 表示不清理。
func (w *RotatingFile) WithKeep(n int) *RotatingFile {
	w.keep = n
	return w
}

func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *RotatingFile) closeLocked() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

// rotate 调用方持锁。未打开时只负责打开。
func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.open()
	}
	_ = w.closeLocked()
	// 纳秒时间戳，同秒多次轮转不冲突
	name := backupPrefix + time.Now().UTC().Format("20060102-150405.000000000") + backupSuffix
	if err := os.Rename(filepath.Join(w.dir, currentLogName), filepath.Join(w.dir, name)); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出保留份数的最旧备份；时间戳前缀保证字典序即时间序。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range ents {
		n := e.Name()
		if n != currentLogName && strings.HasPrefix(n, backupPrefix) && strings.HasSuffix(n, backupSuffix) {
			backups = append(backups, n)
		}
	}
	if len(backups) <= w.keep {
		return
	}
	sort.Strings(backups)
	for _, n := range backups[:len(backups)-w.keep] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}
