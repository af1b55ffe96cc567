package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/olahd/olahd/internal/metacache"
	"github.com/olahd/olahd/internal/offline"
	"github.com/olahd/olahd/internal/server"
)

// handleMeta 响应 /api 下的仓库信息与文件树请求：TTL 内直接回放缓存
// 的上游 JSON，过期则回源刷新，上游不可达或离线时回放旧副本。
func (h *Handler) handleMeta(c fiber.Ctx, route server.Route) error {
	repo := route.Org + "/" + route.Name
	if !h.policy.ProxyAllowed(repo) {
		return renderError(c, h.log, fmt.Errorf("%w: %s", ErrPolicyDenied, repo))
	}

	kind := metacache.KindRepoInfo
	extra := route.Revision
	if route.Kind == server.RouteTree {
		kind = metacache.KindTree
		extra = route.Revision + ":" + route.Path
	}
	key := metacache.Key{
		Kind:     kind,
		RepoType: route.RepoType,
		Org:      route.Org,
		Name:     route.Name,
		Extra:    extra,
	}

	passthrough := requestHeaders(c)
	url := h.metaURL(route)
	res, err := h.metas.GetOrFetch(c.Context(), key, h.metaTTL, func(ctx context.Context) ([]byte, error) {
		body, _, err := h.client.GetMeta(ctx, url, passthrough)
		return body, err
	})
	if err != nil {
		return renderError(c, h.log, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSONCharsetUTF8)
	if c.Method() == fiber.MethodHead {
		c.Set(fiber.HeaderContentLength, fmt.Sprintf("%d", len(res.Content)))
		return c.SendStatus(fiber.StatusOK)
	}
	return c.Send(res.Content)
}

// resolveCommit 把用户请求的 revision 解析为完整 commit 哈希。
// 已是 40 位哈希的引用原样返回；其余经 /api revision 端点解析并缓存。
// 离线且该引用从未解析过时，退回同仓库最近一次成功解析的结果。
func (h *Handler) resolveCommit(ctx context.Context, route server.Route, passthrough http.Header) (string, error) {
	if isCommitHash(route.Revision) {
		return route.Revision, nil
	}

	key := metacache.Key{
		Kind:     metacache.KindRevision,
		RepoType: route.RepoType,
		Org:      route.Org,
		Name:     route.Name,
		Extra:    route.Revision,
	}
	url := fmt.Sprintf("%s://%s/api/%ss/%s/%s/revision/%s",
		h.endpoints.Scheme, h.endpoints.Netloc, route.RepoType, route.Org, route.Name, route.Revision)

	res, err := h.metas.GetOrFetch(ctx, key, h.resolveTTL, func(ctx context.Context) ([]byte, error) {
		body, _, err := h.client.GetMeta(ctx, url, passthrough)
		return body, err
	})
	if err != nil {
		if errors.Is(err, offline.ErrOfflineMiss) {
			if fallback, ok := h.metas.NewestCached(metacache.KindRevision, route.RepoType, route.Org, route.Name); ok {
				return commitFromRevisionBody(fallback.Content)
			}
		}
		return "", err
	}
	return commitFromRevisionBody(res.Content)
}

func commitFromRevisionBody(body []byte) (string, error) {
	var payload struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse revision response: %w", err)
	}
	if !isCommitHash(payload.SHA) {
		return "", fmt.Errorf("revision response carries no commit hash")
	}
	return payload.SHA, nil
}

func isCommitHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// metaURL 把分类结果拼回上游的 /api URL。
func (h *Handler) metaURL(route server.Route) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s://%s/api/%ss/%s/%s", h.endpoints.Scheme, h.endpoints.Netloc, route.RepoType, route.Org, route.Name)
	if route.Kind == server.RouteTree {
		fmt.Fprintf(&b, "/tree/%s", route.Revision)
		if route.Path != "" {
			b.WriteString("/" + route.Path)
		}
		return b.String()
	}
	if route.Revision != "" && route.Revision != "main" {
		fmt.Fprintf(&b, "/revision/%s", route.Revision)
	}
	return b.String()
}
