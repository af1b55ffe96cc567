package chunkcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/olahd/olahd/internal/blockfile"
)

var (
	// ErrInvalidKey 表示缓存键字段为空或路径越界。
	ErrInvalidKey = errors.New("chunkcache: invalid cache key")
	// ErrInUse 表示目标文件仍被活跃请求引用，不能删除。
	ErrInUse = errors.New("chunkcache: file is in use")
)

// Key 唯一标识一个已钉住具体 commit 的上游文件。
// Commit 必须是解析后的完整提交哈希，分支名等可变引用不允许入键。
type Key struct {
	RepoType string
	Org      string
	Name     string
	Commit   string
	Path     string
}

func (k Key) String() string {
	return k.RepoType + "::" + k.Org + "/" + k.Name + "@" + k.Commit + "::" + k.Path
}

// BlockFetcher 从上游拉取 [off, off+length) 的字节，长度必须恰好等于请求值。
type BlockFetcher func(ctx context.Context, off, length int64) ([]byte, error)

// Options 控制缓存的创建参数。
type Options struct {
	// BlockSize 为新建 BlockFile 的块大小，默认 blockfile.DefaultBlockSize。
	BlockSize int64
	// FetchTimeout 限制单个块的上游拉取时长，默认 2 分钟。
	FetchTimeout time.Duration
	// FillConcurrency 限制一次 FillRange 内并行拉取的块数，默认 4。
	FillConcurrency int
}

// Cache 管理 repos 目录下的全部 BlockFile：按键引用计数复用句柄，
// 对每个 (键, 块) 去重上游拉取，并为淘汰器提供在用判定。
type Cache struct {
	root         string
	blockSize    int64
	fetchTimeout time.Duration
	fillLimit    int

	mu      sync.Mutex
	handles map[string]*handleEntry

	flights singleflight.Group
}

type handleEntry struct {
	file *blockfile.BlockFile
	refs int
}

// New 以 root 为仓库根目录构建缓存，目录不存在时创建。
func New(root string, opts Options) (*Cache, error) {
	if root == "" {
		return nil, errors.New("chunkcache: repos path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repos path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create repos path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create tmp path: %w", err)
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = blockfile.DefaultBlockSize
	}
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = 2 * time.Minute
	}
	fillLimit := opts.FillConcurrency
	if fillLimit <= 0 {
		fillLimit = 4
	}

	return &Cache{
		root:         abs,
		blockSize:    blockSize,
		fetchTimeout: fetchTimeout,
		fillLimit:    fillLimit,
		handles:      make(map[string]*handleEntry),
	}, nil
}

// Root 返回仓库根目录的绝对路径。
func (c *Cache) Root() string { return c.root }

// Handle 是一个引用计数的 BlockFile 句柄；用完必须 Release。
type Handle struct {
	cache *Cache
	key   Key
	file  *blockfile.BlockFile

	once sync.Once
}

// Key 返回句柄对应的缓存键。
func (h *Handle) Key() Key { return h.key }

// File 返回底层 BlockFile，生命周期不长于句柄本身。
func (h *Handle) File() *blockfile.BlockFile { return h.file }

// Release 归还引用；最后一个引用归还时写回并关闭底层文件。
func (h *Handle) Release() {
	h.once.Do(func() { h.cache.release(h.key) })
}

// Acquire 按上游权威属性打开（或创建）键对应的 BlockFile 并增加引用。
// 同一键的并发请求共享同一句柄；属性冲突时旧缓存由 blockfile 层重建。
func (c *Cache) Acquire(key Key, totalSize int64, dig digest.Digest, etag string) (*Handle, error) {
	base, err := c.basePath(key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.String()
	if entry, ok := c.handles[id]; ok {
		entry.refs++
		return &Handle{cache: c, key: key, file: entry.file}, nil
	}

	f, err := blockfile.OpenOrCreate(base, totalSize, dig, etag, blockfile.Options{
		TmpDir:    filepath.Join(c.root, "tmp"),
		BlockSize: c.blockSize,
	})
	if err != nil {
		return nil, err
	}
	c.handles[id] = &handleEntry{file: f, refs: 1}
	return &Handle{cache: c, key: key, file: f}, nil
}

// retain 在键已打开时追加一个引用，供脱离请求的后台拉取持有。
func (c *Cache) retain(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.handles[key.String()]
	if ok {
		entry.refs++
	}
	return ok
}

func (c *Cache) release(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := key.String()
	entry, ok := c.handles[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(c.handles, id)
	entry.file.Close()
}

// inUse 判断键对应的文件是否仍有活跃引用，供淘汰器调用。
func (c *Cache) inUse(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[key.String()]
	return ok
}

// FillRange 把 [off, off+length) 内所有缺失的块拉取落盘。
// 同一块的并发拉取在进程内去重：后到的调用等待首个拉取完成。
// 拉取在脱离请求上下文的后台 goroutine 中执行，单个请求断开
// 不会中断其他等待者依赖的传输。
func (c *Cache) FillRange(ctx context.Context, h *Handle, off, length int64, fetch BlockFetcher) error {
	status, spans := h.file.HasRange(off, length)
	if status == blockfile.RangeComplete {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fillLimit)
	for _, span := range spans {
		for idx := span.First; idx <= span.Last; idx++ {
			idx := idx
			g.Go(func() error {
				return c.ensureBlock(ctx, h, idx, fetch)
			})
		}
	}
	return g.Wait()
}

// EnsureBlock 保证第 idx 块已落盘，必要时触发（或等待）一次上游拉取。
func (c *Cache) EnsureBlock(ctx context.Context, h *Handle, idx int64, fetch BlockFetcher) error {
	return c.ensureBlock(ctx, h, idx, fetch)
}

func (c *Cache) ensureBlock(ctx context.Context, h *Handle, idx int64, fetch BlockFetcher) error {
	if h.file.HasBlock(idx) {
		return nil
	}

	flightKey := fmt.Sprintf("%s#%d", h.key.String(), idx)
	ch := c.flights.DoChan(flightKey, func() (any, error) {
		if c.retain(h.key) {
			defer c.release(h.key)
		}
		return nil, c.fetchBlock(h.file, idx, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if !h.file.HasBlock(idx) {
			return blockfile.ErrBlockIncomplete
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchBlock 在独立的超时上下文里执行单块拉取并落盘，调用方断开
// 不会中断其他等待者依赖的传输。
func (c *Cache) fetchBlock(f *blockfile.BlockFile, idx int64, fetch BlockFetcher) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	off := idx * f.BlockSize()
	want := f.BlockLen(idx)
	b, err := fetch(ctx, off, want)
	if err != nil {
		return err
	}
	if int64(len(b)) != want {
		return fmt.Errorf("%w: block %d got %d bytes, want %d", blockfile.ErrSizeMismatch, idx, len(b), want)
	}
	return f.WriteBlock(idx, b)
}

// basePath 将键映射到 <root>/<type>s/<org>/<name>/blocks/<commit>/<path>，
// 路径穿越一律拒绝。
func (c *Cache) basePath(key Key) (string, error) {
	if key.RepoType == "" || key.Org == "" || key.Name == "" || key.Commit == "" || key.Path == "" {
		return "", ErrInvalidKey
	}
	for _, seg := range strings.Split(key.Path, "/") {
		if seg == ".." {
			return "", ErrInvalidKey
		}
	}
	rel := path.Clean("/" + key.Path)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return "", ErrInvalidKey
	}

	dir := filepath.Join(c.root, key.RepoType+"s", key.Org, key.Name, "blocks", key.Commit)
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, dir+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return full, nil
}
