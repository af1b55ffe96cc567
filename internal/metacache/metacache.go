package metacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/olahd/olahd/internal/offline"
)

// ErrNotCached 表示离线时本地没有可用副本；上游失败且无副本时返回上游错误本身。
var ErrNotCached = errors.New("metacache: no cached copy")

// Kind 区分元数据的种类，不同种类的 TTL 与失效策略独立。
type Kind string

const (
	// KindRepoInfo 是 /api/{type}s/{org}/{name} 的仓库信息响应。
	KindRepoInfo Kind = "repo_info"
	// KindTree 是文件树列表响应。
	KindTree Kind = "tree"
	// KindResolveHead 是 resolve 路径 HEAD 探测的头部快照。
	KindResolveHead Kind = "resolve_head"
	// KindRevision 是 revision → commit 的解析结果。
	KindRevision Kind = "revision"
)

// Key 定位一条元数据记录。Extra 携带 revision、子路径等判别字段。
type Key struct {
	Kind     Kind
	RepoType string
	Org      string
	Name     string
	Extra    string
}

// Fetcher 从上游拉取该键的最新内容。
type Fetcher func(ctx context.Context) ([]byte, error)

// Result 是一次查询的返回：内容与新鲜度。
type Result struct {
	Content []byte
	// Stale 表示内容超过 TTL，仅因上游不可达或离线才被返回。
	Stale bool
	// FetchedAt 是内容落盘的时间。
	FetchedAt time.Time
}

// record 的 Content 以 base64 编码落盘，头部快照等非 JSON 内容也能存放。
type record struct {
	FetchedAt time.Time `json:"fetched_at"`
	Content   []byte    `json:"content"`
}

// Cache 把上游元数据响应按键落盘为 JSON 小文件，TTL 为软过期：
// 过期后优先刷新，刷新失败回退旧副本；离线时一律只读旧副本。
// 同键并发刷新经 singleflight 合并为一次上游调用。
type Cache struct {
	root  string
	guard *offline.Guard

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]record
}

// New 以 <reposPath>/api 为根目录构建元数据缓存。
func New(reposPath string, guard *offline.Guard) (*Cache, error) {
	root := filepath.Join(reposPath, "api")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create api cache path: %w", err)
	}
	return &Cache{
		root:    root,
		guard:   guard,
		entries: make(map[string]record),
	}, nil
}

// GetOrFetch 返回键的内容。副本在 TTL 内直接命中；过期则刷新，
// 刷新失败（或离线）时回退旧副本并标记 Stale；两头都没有返回错误。
func (c *Cache) GetOrFetch(ctx context.Context, key Key, ttl time.Duration, fetch Fetcher) (Result, error) {
	rec, ok := c.load(key)
	if ok && time.Since(rec.FetchedAt) < ttl {
		return Result{Content: rec.Content, FetchedAt: rec.FetchedAt}, nil
	}

	if c.guard != nil && c.guard.Offline() {
		if ok {
			return Result{Content: rec.Content, Stale: true, FetchedAt: rec.FetchedAt}, nil
		}
		return Result{}, fmt.Errorf("%w: %w", offline.ErrOfflineMiss, ErrNotCached)
	}

	fresh, err, _ := c.group.Do(c.id(key), func() (any, error) {
		content, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		stored := record{FetchedAt: time.Now().UTC(), Content: content}
		if err := c.store(key, stored); err != nil {
			return nil, err
		}
		return stored, nil
	})
	if err != nil {
		if ok {
			return Result{Content: rec.Content, Stale: true, FetchedAt: rec.FetchedAt}, nil
		}
		return Result{}, err
	}
	stored := fresh.(record)
	return Result{Content: stored.Content, FetchedAt: stored.FetchedAt}, nil
}

// Put 直接写入一条记录，供透传响应的旁路抄写使用。
func (c *Cache) Put(key Key, content []byte) error {
	return c.store(key, record{FetchedAt: time.Now().UTC(), Content: content})
}

// NewestCached 在同一 (kind, type, org, name) 下扫描所有落盘记录，
// 返回落盘时间最新的一条。离线时 revision 解析靠它兜底：
// 任何曾经解析过的引用都好过直接拒绝。
func (c *Cache) NewestCached(kind Kind, repoType, org, name string) (Result, bool) {
	dir := filepath.Join(c.root, string(kind), repoType+"s", org, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, false
	}

	var best record
	var found bool
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !found || rec.FetchedAt.After(best.FetchedAt) {
			best = rec
			found = true
		}
	}
	if !found {
		return Result{}, false
	}
	return Result{Content: best.Content, Stale: true, FetchedAt: best.FetchedAt}, true
}

// Invalidate 删除键的本地副本，下次访问强制回源。
func (c *Cache) Invalidate(key Key) error {
	id := c.id(key)
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cache) load(key Key) (record, bool) {
	id := c.id(key)
	c.mu.Lock()
	rec, ok := c.entries[id]
	c.mu.Unlock()
	if ok {
		return rec, true
	}

	raw, err := os.ReadFile(c.path(key))
	if err != nil {
		return record{}, false
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false
	}
	c.mu.Lock()
	c.entries[id] = rec
	c.mu.Unlock()
	return rec, true
}

func (c *Cache) store(key Key, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	p := c.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".meta-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	c.mu.Lock()
	c.entries[c.id(key)] = rec
	c.mu.Unlock()
	return nil
}

func (c *Cache) id(key Key) string {
	return strings.Join([]string{string(key.Kind), key.RepoType, key.Org, key.Name, key.Extra}, "::")
}

// path 将键映射到 api/<kind>/<type>s/<org>/<name>/<extra哈希>.json。
// Extra 参与文件名哈希，避免 revision 等字段里的分隔符污染路径。
func (c *Cache) path(key Key) string {
	sum := sha256.Sum256([]byte(key.Extra))
	name := hex.EncodeToString(sum[:8]) + ".json"
	return filepath.Join(c.root, string(key.Kind), key.RepoType+"s", key.Org, key.Name, name)
}
