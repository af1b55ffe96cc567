package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供仓库/commit/范围字段，供代理请求日志复用。
func RequestFields(requestID, action, repo, commit string, off, length int64, elapsed time.Duration) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"action":     action,
		"repo":       repo,
		"commit":     commit,
		"offset":     off,
		"length":     length,
		"elapsed_ms": elapsed.Milliseconds(),
	}
}
