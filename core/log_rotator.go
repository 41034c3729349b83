package core

import (
	"fmt"
	"os"
	"sync"
)

// LogRotator 带大小轮转的日志写入器（乒乓策略，只留一份 .old 备份）
// 作为 logrus 的输出挂载，写入路径全程持锁
type LogRotator struct {
	path    string
	maxSize int64
	mu      sync.Mutex
	file    *os.File
	size    int64
}

// NewLogRotator 创建轮转器，maxSizeMB 为单文件上限
func NewLogRotator(path string, maxSizeMB int) (*LogRotator, error) {
	r := &LogRotator{
		path:    path,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *LogRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *LogRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			// 轮转失败继续写旧文件，日志不能因为轮转丢
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *LogRotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}

	backup := r.path + ".old"
	os.Remove(backup)
	if err := os.Rename(r.path, backup); err != nil {
		return err
	}
	return r.open()
}

// Close 关闭底层文件
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
