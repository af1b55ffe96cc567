package chunkcache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// EvictPolicy 决定超限时文件的淘汰顺序。
type EvictPolicy string

const (
	// EvictLRU 先淘汰最久未访问的文件。
	EvictLRU EvictPolicy = "LRU"
	// EvictFIFO 先淘汰最早写入的文件。
	EvictFIFO EvictPolicy = "FIFO"
	// EvictLargeFirst 先淘汰体积最大的文件。
	EvictLargeFirst EvictPolicy = "LARGE_FIRST"
)

// ParseEvictPolicy 解析配置里的策略名，大小写不敏感。
func ParseEvictPolicy(s string) (EvictPolicy, error) {
	switch EvictPolicy(strings.ToUpper(s)) {
	case EvictLRU:
		return EvictLRU, nil
	case EvictFIFO:
		return EvictFIFO, nil
	case EvictLargeFirst:
		return EvictLargeFirst, nil
	}
	return "", fmt.Errorf("chunkcache: unknown eviction policy %q", s)
}

// Evictor 周期性扫描缓存目录，超过 LimitBytes 时按策略删除整份文件
// （.bin 与 .meta 一起删），被活跃请求引用的文件一律跳过。
type Evictor struct {
	cache      *Cache
	limitBytes int64
	policy     EvictPolicy
	interval   time.Duration
	log        logrus.FieldLogger
}

// NewEvictor 构建淘汰器；limitBytes <= 0 表示不限制。
func NewEvictor(cache *Cache, limitBytes int64, policy EvictPolicy, interval time.Duration, log logrus.FieldLogger) *Evictor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Evictor{
		cache:      cache,
		limitBytes: limitBytes,
		policy:     policy,
		interval:   interval,
		log:        log,
	}
}

// Run 阻塞运行扫描循环，直到 ctx 取消。
func (e *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			freed, err := e.Sweep()
			if err != nil {
				e.log.WithError(err).Warn("cache eviction sweep failed")
			} else if freed > 0 {
				e.log.WithField("freed_bytes", freed).Info("cache eviction sweep completed")
			}
		}
	}
}

type evictCandidate struct {
	key     Key
	base    string
	size    int64
	modTime time.Time
	atime   time.Time
}

// Sweep 执行一轮扫描，返回释放的字节数。
func (e *Evictor) Sweep() (int64, error) {
	if e.limitBytes <= 0 {
		return 0, nil
	}

	candidates, total, err := e.collect()
	if err != nil {
		return 0, err
	}
	if total <= e.limitBytes {
		return 0, nil
	}

	e.order(candidates)

	var freed int64
	for _, cand := range candidates {
		if total-freed <= e.limitBytes {
			break
		}
		if e.cache.inUse(cand.key) {
			continue
		}
		if err := removePair(cand.base); err != nil {
			e.log.WithError(err).WithField("path", cand.base).Warn("evict candidate removal failed")
			continue
		}
		freed += cand.size
	}
	return freed, nil
}

func (e *Evictor) order(candidates []evictCandidate) {
	switch e.policy {
	case EvictFIFO:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].modTime.Before(candidates[j].modTime)
		})
	case EvictLargeFirst:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].size > candidates[j].size
		})
	default:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].atime.Before(candidates[j].atime)
		})
	}
}

// collect 枚举所有 .bin 文件并折算其键与体积（含边车）。
func (e *Evictor) collect() ([]evictCandidate, int64, error) {
	var candidates []evictCandidate
	var total int64

	for _, repoType := range []string{"model", "dataset", "space", "cdn"} {
		typeRoot := filepath.Join(e.cache.root, repoType+"s")
		err := filepath.WalkDir(typeRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(p, ".bin") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			base := strings.TrimSuffix(p, ".bin")
			key, ok := e.keyForBase(repoType, base)
			if !ok {
				return nil
			}
			size := info.Size()
			if metaInfo, err := os.Stat(base + ".meta"); err == nil {
				size += metaInfo.Size()
			}
			candidates = append(candidates, evictCandidate{
				key:     key,
				base:    base,
				size:    size,
				modTime: info.ModTime(),
				atime:   fileAccessTime(info),
			})
			total += size
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, 0, err
		}
	}
	return candidates, total, nil
}

// keyForBase 从磁盘路径还原缓存键：<org>/<name>/blocks/<commit>/<path>。
func (e *Evictor) keyForBase(repoType, base string) (Key, bool) {
	rel, err := filepath.Rel(filepath.Join(e.cache.root, repoType+"s"), base)
	if err != nil {
		return Key{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 5 || parts[2] != "blocks" {
		return Key{}, false
	}
	return Key{
		RepoType: repoType,
		Org:      parts[0],
		Name:     parts[1],
		Commit:   parts[3],
		Path:     strings.Join(parts[4:], "/"),
	}, true
}

func removePair(base string) error {
	if err := os.Remove(base + ".bin"); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(base + ".meta"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
