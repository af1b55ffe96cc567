//go:build !linux

package chunkcache

import (
	"io/fs"
	"time"
)

// fileAccessTime 在没有可移植 atime 的平台退回 mtime。
func fileAccessTime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
