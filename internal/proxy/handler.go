package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/olahd/olahd/internal/blockfile"
	"github.com/olahd/olahd/internal/chunkcache"
	"github.com/olahd/olahd/internal/logging"
	"github.com/olahd/olahd/internal/metacache"
	"github.com/olahd/olahd/internal/mirror"
	"github.com/olahd/olahd/internal/policy"
	"github.com/olahd/olahd/internal/server"
	"github.com/olahd/olahd/internal/upstream"
)

// Endpoints 描述上游 Hub 的访问地址。
type Endpoints struct {
	Scheme    string
	Netloc    string
	LFSNetloc string
}

// MirrorEndpoints 是对外公布的本镜像地址。LFSNetloc 非空时，resolve 命中
// CDN 跳转的文件会被 302 引回本镜像的 LFS 入口，原上游主机放进 oriloc。
type MirrorEndpoints struct {
	Scheme    string
	Netloc    string
	LFSNetloc string
}

// Options 汇集 Handler 的全部依赖。
type Options struct {
	Logger     *logrus.Logger
	Policy     *policy.Engine
	Chunks     *chunkcache.Cache
	Metas      *metacache.Cache
	Client     *upstream.Client
	Mirrors    *mirror.Store
	Endpoints  Endpoints
	Mirror     MirrorEndpoints
	MetaTTL    time.Duration
	ResolveTTL time.Duration
}

// Handler 负责 orchestrate “revision 解析 → 策略 → 缓存命中/按需回源 →
// 范围产出” 的全流程：元数据走 MetaCache，文件走块缓存，
// 镜像目录命中时直接读本地文件。
type Handler struct {
	log        *logrus.Logger
	policy     *policy.Engine
	chunks     *chunkcache.Cache
	metas      *metacache.Cache
	client     *upstream.Client
	mirrors    *mirror.Store
	endpoints  Endpoints
	mirrorAddr MirrorEndpoints
	metaTTL    time.Duration
	resolveTTL time.Duration
}

// New 构建 Handler；Mirrors 可以为 nil。
func New(opts Options) (*Handler, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Policy == nil || opts.Chunks == nil || opts.Metas == nil || opts.Client == nil {
		return nil, errors.New("policy, chunk cache, meta cache and upstream client are required")
	}
	if opts.Endpoints.Scheme == "" || opts.Endpoints.Netloc == "" {
		return nil, errors.New("upstream endpoints are required")
	}
	if opts.Endpoints.LFSNetloc == "" {
		opts.Endpoints.LFSNetloc = opts.Endpoints.Netloc
	}
	metaTTL := opts.MetaTTL
	if metaTTL <= 0 {
		metaTTL = 10 * time.Minute
	}
	resolveTTL := opts.ResolveTTL
	if resolveTTL <= 0 {
		resolveTTL = 2 * time.Minute
	}

	return &Handler{
		log:        opts.Logger,
		policy:     opts.Policy,
		chunks:     opts.Chunks,
		metas:      opts.Metas,
		client:     opts.Client,
		mirrors:    opts.Mirrors,
		endpoints:  opts.Endpoints,
		mirrorAddr: opts.Mirror,
		metaTTL:    metaTTL,
		resolveTTL: resolveTTL,
	}, nil
}

// Handle 实现 server.MirrorHandler。
func (h *Handler) Handle(c fiber.Ctx, route server.Route) error {
	switch route.Kind {
	case server.RouteRepoMeta, server.RouteTree:
		return h.handleMeta(c, route)
	case server.RouteFileResolve, server.RouteFileRaw:
		return h.handleFile(c, route)
	case server.RouteCDN, server.RouteLFS:
		return h.handleCDN(c, route)
	default:
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
}

// fileStat 是 HEAD 探测结果的落盘形态。
type fileStat struct {
	Size       int64  `json:"size"`
	ETag       string `json:"etag"`
	Commit     string `json:"commit"`
	LinkedETag string `json:"linked_etag,omitempty"`
	LinkedSize int64  `json:"linked_size,omitempty"`
	FinalURL   string `json:"final_url"`
}

func (h *Handler) handleFile(c fiber.Ctx, route server.Route) error {
	start := time.Now()
	repo := route.Org + "/" + route.Name
	if !h.policy.ProxyAllowed(repo) {
		return renderError(c, h.log, fmt.Errorf("%w: %s", ErrPolicyDenied, repo))
	}

	ctx := c.Context()
	passthrough := requestHeaders(c)

	commit, err := h.resolveCommit(ctx, route, passthrough)
	if err != nil {
		return renderError(c, h.log, err)
	}

	if p, ok := h.mirrors.Lookup(route.RepoType, route.Org, route.Name, route.Path); ok {
		c.Set("X-Repo-Commit", commit)
		return c.SendFile(p)
	}

	stat, err := h.headStat(ctx, route, commit, passthrough)
	if err != nil {
		return renderError(c, h.log, err)
	}

	if route.Kind == server.RouteFileResolve && h.redirectLFS(c, stat, commit) {
		h.log.WithFields(logging.RequestFields(server.RequestID(c), "lfs_redirect", repo, commit, 0, 0, time.Since(start))).Info("lfs request redirected to mirror")
		return nil
	}

	rng, ranged, err := parseRange(c.Get(fiber.HeaderRange), stat.Size)
	if err != nil {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", stat.Size))
		return renderError(c, h.log, err)
	}
	if !ranged {
		rng = byteRange{Off: 0, Length: stat.Size}
	}

	h.writeFileHeaders(c, stat, commit, rng, ranged)
	if c.Method() == fiber.MethodHead {
		return nil
	}

	if !h.policy.CacheAllowed(repo) {
		return h.passThrough(c, stat.FinalURL, passthrough)
	}

	key := chunkcache.Key{
		RepoType: route.RepoType,
		Org:      route.Org,
		Name:     route.Name,
		Commit:   commit,
		Path:     route.Path,
	}
	err = h.serveFromCache(c, key, stat, rng, passthrough)
	if err != nil && isDiskFull(err) {
		h.log.WithError(err).Warn("cache disk full, falling back to pass-through")
		return h.passThrough(c, stat.FinalURL, passthrough)
	}
	if err != nil {
		return renderError(c, h.log, err)
	}

	h.log.WithFields(logging.RequestFields(server.RequestID(c), "file", repo, commit, rng.Off, rng.Length, time.Since(start))).Info("file served")
	return nil
}

// serveFromCache 按块产出范围。完整性错误只在响应体尚未写出任何字节时
// 原地重试一次；坏文件已由 streamOnce 废弃，响应一旦开始写出就丢弃
// 半截数据返回错误，重建留给客户端的下一次请求。
func (h *Handler) serveFromCache(c fiber.Ctx, key chunkcache.Key, stat *fileStat, rng byteRange, passthrough http.Header) error {
	written, err := h.streamOnce(c, key, stat, rng, passthrough)
	if err == nil || !isIntegrityError(err) {
		return err
	}
	if written > 0 {
		h.log.WithError(err).WithField("repo", key.Org+"/"+key.Name).Error("cache integrity failure after response body started")
		c.Response().ResetBody()
		return err
	}
	h.log.WithError(err).WithField("repo", key.Org+"/"+key.Name).Warn("cache integrity failure, refetching")
	_, err = h.streamOnce(c, key, stat, rng, passthrough)
	return err
}

// streamOnce 返回已写入响应体的字节数；检测到完整性错误时废弃底层文件。
func (h *Handler) streamOnce(c fiber.Ctx, key chunkcache.Key, stat *fileStat, rng byteRange, passthrough http.Header) (int64, error) {
	handle, err := h.chunks.Acquire(key, stat.Size, contentDigest(stat), stat.ETag)
	if err != nil {
		return 0, err
	}
	defer handle.Release()

	fetch := func(ctx context.Context, off, length int64) ([]byte, error) {
		return h.client.GetRange(ctx, stat.FinalURL, off, length, passthrough)
	}

	var written int64
	if rng.Length > 0 {
		reader := newBlockReader(c.Context(), h.chunks, handle, fetch, rng)
		written, err = io.Copy(c.Response().BodyWriter(), reader)
		if err != nil {
			if isIntegrityError(err) {
				handle.File().Remove()
			}
			return written, err
		}
	}

	if handle.File().Complete() {
		if err := handle.File().Finalize(); err != nil {
			if isIntegrityError(err) {
				handle.File().Remove()
			}
			return written, err
		}
	}
	return written, nil
}

// passThrough 直接把上游响应转发给客户端，不写缓存。
func (h *Handler) passThrough(c fiber.Ctx, url string, passthrough http.Header) error {
	resp, err := h.client.Stream(c.Context(), c.Method(), url, passthrough, c.Get(fiber.HeaderRange))
	if err != nil {
		return renderError(c, h.log, err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if upstream.IsHopByHopHeader(key) {
			continue
		}
		for _, v := range values {
			c.Set(key, v)
		}
	}
	c.Status(resp.StatusCode)
	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	return err
}

// headStat 取（或回放）文件的 HEAD 快照：大小、ETag、最终落点。
func (h *Handler) headStat(ctx context.Context, route server.Route, commit string, passthrough http.Header) (*fileStat, error) {
	key := metacache.Key{
		Kind:     metacache.KindResolveHead,
		RepoType: route.RepoType,
		Org:      route.Org,
		Name:     route.Name,
		Extra:    commit + ":" + route.Path,
	}
	url := h.fileURL(route, commit)

	res, err := h.metas.GetOrFetch(ctx, key, h.resolveTTL, func(ctx context.Context) ([]byte, error) {
		stat, err := h.client.HeadFile(ctx, url, passthrough)
		if err != nil {
			return nil, err
		}
		snapshot := fileStat{
			Size:       stat.Size,
			ETag:       stat.ETag,
			Commit:     commit,
			LinkedETag: stat.LinkedETag,
			LinkedSize: stat.LinkedSize,
			FinalURL:   stat.FinalURL,
		}
		if stat.LinkedSize > 0 {
			snapshot.Size = stat.LinkedSize
		}
		return json.Marshal(snapshot)
	})
	if err != nil {
		return nil, err
	}
	var stat fileStat
	if err := json.Unmarshal(res.Content, &stat); err != nil {
		return nil, fmt.Errorf("parse head snapshot: %w", err)
	}
	if stat.FinalURL == "" {
		stat.FinalURL = url
	}
	return &stat, nil
}

func (h *Handler) writeFileHeaders(c fiber.Ctx, stat *fileStat, commit string, rng byteRange, ranged bool) {
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderETag, fmt.Sprintf("%q", commit))
	c.Set("X-Repo-Commit", commit)
	if stat.LinkedETag != "" {
		c.Set("X-Linked-Etag", stat.LinkedETag)
	}
	if stat.LinkedSize > 0 {
		c.Set("X-Linked-Size", fmt.Sprintf("%d", stat.LinkedSize))
	}
	c.Response().Header.SetContentLength(int(rng.Length))
	if ranged {
		c.Set(fiber.HeaderContentRange, rng.contentRange(stat.Size))
		c.Status(fiber.StatusPartialContent)
	} else {
		c.Status(fiber.StatusOK)
	}
}

// handleCDN 处理 LFS/CDN 回源：缓存键由内容哈希派生，oriloc 查询参数
// 携带重写前的上游主机。
func (h *Handler) handleCDN(c fiber.Ctx, route server.Route) error {
	start := time.Now()
	if route.Kind == server.RouteLFS {
		repo := route.Org + "/" + route.Name
		if !h.policy.ProxyAllowed(repo) {
			return renderError(c, h.log, fmt.Errorf("%w: %s", ErrPolicyDenied, repo))
		}
	}

	ctx := c.Context()
	passthrough := requestHeaders(c)
	url := h.cdnURL(c, route)

	key := chunkcache.Key{
		RepoType: "cdn",
		Org:      cdnOrg(route),
		Name:     cdnName(route),
		Commit:   route.HashFile,
		Path:     route.HashFile,
	}

	metaKey := metacache.Key{
		Kind:     metacache.KindResolveHead,
		RepoType: "cdn",
		Org:      key.Org,
		Name:     key.Name,
		Extra:    route.HashFile,
	}
	res, err := h.metas.GetOrFetch(ctx, metaKey, h.resolveTTL, func(ctx context.Context) ([]byte, error) {
		stat, err := h.client.HeadFile(ctx, url, passthrough)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fileStat{Size: stat.Size, ETag: stat.ETag, FinalURL: stat.FinalURL})
	})
	if err != nil {
		return renderError(c, h.log, err)
	}
	var stat fileStat
	if err := json.Unmarshal(res.Content, &stat); err != nil {
		return renderError(c, h.log, fmt.Errorf("parse head snapshot: %w", err))
	}
	if stat.FinalURL == "" {
		stat.FinalURL = url
	}

	rng, ranged, err := parseRange(c.Get(fiber.HeaderRange), stat.Size)
	if err != nil {
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", stat.Size))
		return renderError(c, h.log, err)
	}
	if !ranged {
		rng = byteRange{Off: 0, Length: stat.Size}
	}

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	if stat.ETag != "" {
		c.Set(fiber.HeaderETag, stat.ETag)
	}
	c.Response().Header.SetContentLength(int(rng.Length))
	if ranged {
		c.Set(fiber.HeaderContentRange, rng.contentRange(stat.Size))
		c.Status(fiber.StatusPartialContent)
	} else {
		c.Status(fiber.StatusOK)
	}
	if c.Method() == fiber.MethodHead {
		return nil
	}

	err = h.serveFromCache(c, key, &stat, rng, passthrough)
	if err != nil && isDiskFull(err) {
		return h.passThrough(c, stat.FinalURL, passthrough)
	}
	if err != nil {
		return renderError(c, h.log, err)
	}

	h.log.WithFields(logging.RequestFields(server.RequestID(c), "cdn", key.Org+"/"+key.Name, route.HashFile, rng.Off, rng.Length, time.Since(start))).Info("cdn object served")
	return nil
}

func cdnOrg(route server.Route) string {
	if route.Org != "" {
		return route.Org
	}
	return route.HashRepo
}

func cdnName(route server.Route) string {
	if route.Name != "" {
		return route.Name
	}
	return "objects"
}

// fileURL 拼出 resolve/raw 下载地址；dataset 与 space 带类型前缀段。
func (h *Handler) fileURL(route server.Route, commit string) string {
	action := "resolve"
	if route.Kind == server.RouteFileRaw {
		action = "raw"
	}
	prefix := ""
	if route.RepoType != "model" {
		prefix = "/" + route.RepoType + "s"
	}
	return fmt.Sprintf("%s://%s%s/%s/%s/%s/%s/%s",
		h.endpoints.Scheme, h.endpoints.Netloc, prefix, route.Org, route.Name, action, commit, route.Path)
}

// redirectLFS 在配置了镜像 LFS 地址、且文件落点不在主站时，把客户端
// 302 引回本镜像的 LFS 入口；原上游主机经 oriloc 查询参数带回。
func (h *Handler) redirectLFS(c fiber.Ctx, stat *fileStat, commit string) bool {
	if h.mirrorAddr.LFSNetloc == "" || stat.FinalURL == "" {
		return false
	}
	u, err := url.Parse(stat.FinalURL)
	if err != nil || u.Host == "" || u.Host == h.endpoints.Netloc {
		return false
	}

	q := u.Query()
	q.Set("oriloc", u.Host)
	scheme := h.mirrorAddr.Scheme
	if scheme == "" {
		scheme = "http"
	}
	c.Set("X-Repo-Commit", commit)
	c.Set(fiber.HeaderLocation, fmt.Sprintf("%s://%s%s?%s", scheme, h.mirrorAddr.LFSNetloc, u.Path, q.Encode()))
	c.Status(fiber.StatusFound)
	return true
}

func (h *Handler) cdnURL(c fiber.Ctx, route server.Route) string {
	netloc := h.endpoints.LFSNetloc
	if oriloc := c.Query("oriloc"); oriloc != "" {
		netloc = oriloc
	}

	// 重写跳转时签名参数原样保留，剔除镜像自身附加的 oriloc。
	q := url.Values{}
	c.Request().URI().QueryArgs().VisitAll(func(k, v []byte) {
		if string(k) == "oriloc" {
			return
		}
		q.Add(string(k), string(v))
	})
	suffix := ""
	if len(q) > 0 {
		suffix = "?" + q.Encode()
	}

	if route.Kind == server.RouteCDN {
		return fmt.Sprintf("%s://%s/repos/%s%s", h.endpoints.Scheme, netloc, route.Path, suffix)
	}
	return fmt.Sprintf("%s://%s/%s/%s/%s%s", h.endpoints.Scheme, netloc, route.Org, route.Name, route.HashFile, suffix)
}

// contentDigest 在 LFS ETag 形如 64 位十六进制时将其视作 sha256 摘要。
func contentDigest(stat *fileStat) digest.Digest {
	raw := trimQuotes(stat.LinkedETag)
	if raw == "" {
		raw = trimQuotes(stat.ETag)
	}
	if len(raw) != 64 {
		return ""
	}
	for _, r := range raw {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}
	return digest.NewDigestFromEncoded(digest.SHA256, raw)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// requestHeaders 抽取需要透传给上游的请求头。
func requestHeaders(c fiber.Ctx) http.Header {
	hdr := http.Header{}
	for _, key := range []string{fiber.HeaderAuthorization, fiber.HeaderUserAgent, fiber.HeaderAccept} {
		if v := c.Get(key); v != "" {
			hdr.Set(key, v)
		}
	}
	return hdr
}

func isIntegrityError(err error) bool {
	return errors.Is(err, blockfile.ErrSizeMismatch) ||
		errors.Is(err, blockfile.ErrDigestMismatch) ||
		errors.Is(err, blockfile.ErrBitmapCorrupt) ||
		errors.Is(err, upstream.ErrRangeNotSatisfiable)
}

func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
