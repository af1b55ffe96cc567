package proxy

import (
	"context"
	"io"

	"github.com/olahd/olahd/internal/chunkcache"
)

// blockReader 以块为粒度按需产出一个字节范围：读到缺失块时先拉上游
// 落盘再从磁盘读出，读到已缓存块时直接读盘。客户端读得慢，上游就拉得
// 慢，背压天然成立。当前块产出时顺带预取下一块。
type blockReader struct {
	ctx    context.Context
	cache  *chunkcache.Cache
	handle *chunkcache.Handle
	fetch  chunkcache.BlockFetcher

	off       int64
	remaining int64

	prefetched int64
}

func newBlockReader(ctx context.Context, cache *chunkcache.Cache, handle *chunkcache.Handle, fetch chunkcache.BlockFetcher, r byteRange) *blockReader {
	return &blockReader{
		ctx:        ctx,
		cache:      cache,
		handle:     handle,
		fetch:      fetch,
		off:        r.Off,
		remaining:  r.Length,
		prefetched: -1,
	}
}

func (r *blockReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	f := r.handle.File()
	idx := r.off / f.BlockSize()
	if err := r.cache.EnsureBlock(r.ctx, r.handle, idx, r.fetch); err != nil {
		return 0, err
	}
	r.prefetchNext(idx)

	blockEnd := (idx + 1) * f.BlockSize()
	if blockEnd > f.TotalSize() {
		blockEnd = f.TotalSize()
	}
	n := blockEnd - r.off
	if n > r.remaining {
		n = r.remaining
	}
	if n > int64(len(p)) {
		n = int64(len(p))
	}

	buf, err := f.ReadRange(r.off, n)
	if err != nil {
		return 0, err
	}
	copy(p, buf)
	r.off += n
	r.remaining -= n
	return int(n), nil
}

// prefetchNext 为下一块发起一次不阻塞的后台拉取。
func (r *blockReader) prefetchNext(current int64) {
	next := current + 1
	if next >= r.handle.File().NumBlocks() || next <= r.prefetched {
		return
	}
	end := r.off + r.remaining
	if next*r.handle.File().BlockSize() >= end {
		return
	}
	r.prefetched = next
	go func() {
		_ = r.cache.EnsureBlock(context.Background(), r.handle, next, r.fetch)
	}()
}
