//go:build linux

package chunkcache

import (
	"io/fs"
	"syscall"
	"time"
)

// fileAccessTime 读取 inode 的 atime；LRU 排序依赖它。
func fileAccessTime(info fs.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}
