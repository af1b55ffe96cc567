package proxy

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/olahd/olahd/internal/blockfile"
	"github.com/olahd/olahd/internal/offline"
	"github.com/olahd/olahd/internal/upstream"
)

// ErrPolicyDenied 表示仓库被代理规则拒绝。
var ErrPolicyDenied = errors.New("proxy: repository denied by policy")

// renderError 把内部错误折算为对外的状态码与 JSON 响应体，
// 细节只进日志，不进响应。
func renderError(c fiber.Ctx, log logrus.FieldLogger, err error) error {
	kind, status := classifyError(err)
	log.WithError(err).WithFields(logrus.Fields{
		"action": "render_error",
		"kind":   kind,
		"status": status,
	}).Warn("request failed")

	return c.Status(status).JSON(fiber.Map{
		"error":  kind,
		"detail": kind,
	})
}

func classifyError(err error) (string, int) {
	var statusErr *upstream.StatusError

	switch {
	case errors.Is(err, ErrPolicyDenied):
		return "policy_denied", fiber.StatusForbidden
	case errors.Is(err, ErrUnsatisfiableRange):
		return "range_not_satisfiable", fiber.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, offline.ErrOfflineMiss):
		return "offline_miss", fiber.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return "upstream_timeout", fiber.StatusGatewayTimeout
	case errors.As(err, &statusErr):
		if statusErr.Code == fiber.StatusNotFound || statusErr.Code == fiber.StatusUnauthorized || statusErr.Code == fiber.StatusForbidden {
			return "upstream_rejected", statusErr.Code
		}
		return "upstream_failed", fiber.StatusBadGateway
	case errors.Is(err, blockfile.ErrDigestMismatch),
		errors.Is(err, blockfile.ErrSizeMismatch),
		errors.Is(err, blockfile.ErrBitmapCorrupt),
		errors.Is(err, upstream.ErrShortBody):
		return "integrity_failed", fiber.StatusBadGateway
	case errors.Is(err, upstream.ErrTooManyRedirects):
		return "upstream_failed", fiber.StatusBadGateway
	default:
		return "internal_error", fiber.StatusInternalServerError
	}
}
