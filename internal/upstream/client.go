package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/olahd/olahd/internal/offline"
)

var (
	// ErrTooManyRedirects 表示重定向链超过上限。
	ErrTooManyRedirects = errors.New("upstream: too many redirects")
	// ErrRangeNotSatisfiable 表示上游返回 416，通常意味着文件已缩短。
	ErrRangeNotSatisfiable = errors.New("upstream: range not satisfiable")
	// ErrShortBody 表示上游响应体比声明的长度短。
	ErrShortBody = errors.New("upstream: short body")
)

// StatusError 携带上游的非 2xx 状态码。
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %s", e.Status)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制客户端的重试与重定向行为。
type Options struct {
	// Timeout 是单次 HTTP 请求的整体超时，默认 30s。
	Timeout time.Duration
	// MaxRedirects 限制手工跟随的重定向次数，默认 5。
	MaxRedirects int
	// MaxAttempts 是对瞬时错误的最大尝试次数，默认 5。
	MaxAttempts int
	// RetryBackoff 是首次重试前的等待，指数递增并带抖动，默认 200ms。
	RetryBackoff time.Duration
}

// Client 是所有出网请求的唯一通道：统一超时、重试、重定向与离线拦截。
type Client struct {
	http         *http.Client
	guard        *offline.Guard
	log          logrus.FieldLogger
	maxRedirects int
	maxAttempts  int
	backoff      time.Duration
}

// New 构建上游客户端；guard 为 nil 时不做离线拦截。
func New(guard *offline.Guard, log logrus.FieldLogger, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
			// 重定向由 doFollow 手工跟随，以便记录 CDN 落点。
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		guard:        guard,
		log:          log,
		maxRedirects: maxRedirects,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
	}
}

// FileStat 是一次 HEAD 探测的结果快照。
type FileStat struct {
	// Size 取自 Content-Length 或 X-Linked-Size。
	Size int64
	// ETag 为上游 ETag（含引号原样保留）。
	ETag string
	// CommitHash 取自 X-Repo-Commit。
	CommitHash string
	// LinkedETag / LinkedSize 是 LFS 指针头。
	LinkedETag string
	LinkedSize int64
	// FinalURL 是跟随重定向后的实际落点（LFS 场景下是 CDN 地址）。
	FinalURL string
	// Header 是最终响应的完整头部（hop-by-hop 已剔除）。
	Header http.Header
}

// HeadFile 对 url 发起 HEAD，手工跟随至多 MaxRedirects 次重定向并
// 记录最终落点。所有头部均取自最终响应，重定向中间响应的头部不保留。
func (c *Client) HeadFile(ctx context.Context, url string, passthrough http.Header) (*FileStat, error) {
	resp, finalURL, err := c.doFollow(ctx, http.MethodHead, url, passthrough, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	stat := &FileStat{
		ETag:       resp.Header.Get("ETag"),
		CommitHash: resp.Header.Get("X-Repo-Commit"),
		LinkedETag: resp.Header.Get("X-Linked-Etag"),
		FinalURL:   finalURL,
		Header:     make(http.Header),
	}
	CopyHeaders(stat.Header, resp.Header)
	if v := resp.Header.Get("Content-Length"); v != "" {
		stat.Size, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := resp.Header.Get("X-Linked-Size"); v != "" {
		stat.LinkedSize, _ = strconv.ParseInt(v, 10, 64)
		if stat.Size == 0 {
			stat.Size = stat.LinkedSize
		}
	}
	return stat, nil
}

// GetRange 拉取 [off, off+length) 的字节。上游无视 Range 返回 200 时
// 就地切片：丢弃前缀、读满窗口、丢弃剩余。416 折算为
// ErrRangeNotSatisfiable，调用方据此触发缓存失效。
func (c *Client) GetRange(ctx context.Context, url string, off, length int64, passthrough http.Header) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("upstream: non-positive range length %d", length)
	}
	extra := http.Header{}
	extra.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	var out []byte
	err := c.withRetry(ctx, func() (retryable bool, err error) {
		resp, _, err := c.doFollow(ctx, http.MethodGet, url, passthrough, extra)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusPartialContent:
			buf := make([]byte, length)
			if _, err := io.ReadFull(resp.Body, buf); err != nil {
				return true, fmt.Errorf("%w: %v", ErrShortBody, err)
			}
			out = buf
			return false, nil
		case http.StatusOK:
			// 上游忽略了 Range：从完整响应中切出请求窗口。
			if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
				return true, fmt.Errorf("%w: %v", ErrShortBody, err)
			}
			buf := make([]byte, length)
			if _, err := io.ReadFull(resp.Body, buf); err != nil {
				return true, fmt.Errorf("%w: %v", ErrShortBody, err)
			}
			io.Copy(io.Discard, resp.Body)
			out = buf
			return false, nil
		case http.StatusRequestedRangeNotSatisfiable:
			return false, ErrRangeNotSatisfiable
		default:
			io.Copy(io.Discard, resp.Body)
			err = &StatusError{Code: resp.StatusCode, Status: resp.Status}
			return resp.StatusCode >= 500, err
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMeta 拉取一个元数据端点的完整 JSON 响应与头部。
func (c *Client) GetMeta(ctx context.Context, url string, passthrough http.Header) ([]byte, http.Header, error) {
	var body []byte
	var header http.Header
	err := c.withRetry(ctx, func() (bool, error) {
		resp, _, err := c.doFollow(ctx, http.MethodGet, url, passthrough, nil)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return resp.StatusCode >= 500, &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return true, err
		}
		body = b
		header = make(http.Header)
		CopyHeaders(header, resp.Header)
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, header, nil
}

// Stream 打开一个透传用的响应流，调用方负责关闭 Body。
// 只用于缓存被策略禁止或磁盘不可写时的直通场景，不做重试。
func (c *Client) Stream(ctx context.Context, method, url string, passthrough http.Header, rangeHeader string) (*http.Response, error) {
	extra := http.Header{}
	if rangeHeader != "" {
		extra.Set("Range", rangeHeader)
	}
	resp, _, err := c.doFollow(ctx, method, url, passthrough, extra)
	return resp, err
}

// doFollow 发出单个请求并手工跟随重定向，每一跳都经过离线检查。
func (c *Client) doFollow(ctx context.Context, method, url string, passthrough, extra http.Header) (*http.Response, string, error) {
	current := url
	for hop := 0; ; hop++ {
		if c.guard != nil && c.guard.Offline() {
			return nil, "", offline.ErrOfflineMiss
		}
		req, err := http.NewRequestWithContext(ctx, method, current, nil)
		if err != nil {
			return nil, "", err
		}
		applyPassthrough(req.Header, passthrough)
		for key, values := range extra {
			for _, v := range values {
				req.Header.Set(key, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, "", err
		}
		if !isRedirect(resp.StatusCode) {
			return resp, current, nil
		}

		location := resp.Header.Get("Location")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if location == "" {
			return nil, "", fmt.Errorf("upstream: redirect without location from %s", current)
		}
		if hop >= c.maxRedirects {
			return nil, "", fmt.Errorf("%w: stopped after %d hops", ErrTooManyRedirects, c.maxRedirects)
		}
		next, err := req.URL.Parse(location)
		if err != nil {
			return nil, "", fmt.Errorf("upstream: bad redirect location %q: %w", location, err)
		}
		c.log.WithFields(logrus.Fields{"from": current, "to": next.String()}).Debug("following upstream redirect")
		current = next.String()
	}
}

// withRetry 对瞬时错误做指数退避重试；4xx 等确定性失败立即返回。
func (c *Client) withRetry(ctx context.Context, attempt func() (retryable bool, err error)) error {
	var lastErr error
	backoff := c.backoff
	for try := 1; try <= c.maxAttempts; try++ {
		retryable, err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || errors.Is(err, offline.ErrOfflineMiss) {
			return err
		}
		if try == c.maxAttempts {
			break
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		c.log.WithFields(logrus.Fields{"attempt": try, "sleep_ms": sleep.Milliseconds()}).WithError(err).Debug("retrying upstream request")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return fmt.Errorf("upstream: giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// passthroughAllow 列出允许原样转发到上游的请求头。
var passthroughAllow = map[string]struct{}{
	"Authorization": {},
	"User-Agent":    {},
	"Accept":        {},
}

func applyPassthrough(dst, src http.Header) {
	for key, values := range src {
		if _, ok := passthroughAllow[textproto.CanonicalMIMEHeaderKey(key)]; !ok {
			continue
		}
		for _, v := range values {
			dst.Set(key, v)
		}
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
