package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/olahd/olahd/internal/chunkcache"
	"github.com/olahd/olahd/internal/policy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.Port <= 0 || g.Port > 65535 {
		return newFieldError("Port", "必须在 1-65535")
	}
	if (g.SSLKey == "") != (g.SSLCert == "") {
		return newFieldError("SSLKey/SSLCert", "必须同时提供或同时留空")
	}
	if g.ReposPath == "" {
		return newFieldError("ReposPath", "不能为空")
	}
	if err := validateScheme(g.HFScheme); err != nil {
		return fmt.Errorf("HFScheme: %w", err)
	}
	if err := validateScheme(g.MirrorScheme); err != nil {
		return fmt.Errorf("MirrorScheme: %w", err)
	}
	if err := validateNetloc(g.HFNetloc); err != nil {
		return fmt.Errorf("HFNetloc: %w", err)
	}
	if err := validateNetloc(g.HFLFSNetloc); err != nil {
		return fmt.Errorf("HFLFSNetloc: %w", err)
	}
	if g.BlockSize <= 0 {
		return newFieldError("BlockSize", "必须大于 0")
	}
	if g.BlockSize&(g.BlockSize-1) != 0 {
		return newFieldError("BlockSize", "必须是 2 的幂")
	}
	if g.CacheLimitBytes < 0 {
		return newFieldError("CacheLimitBytes", "不能为负数")
	}
	if _, err := chunkcache.ParseEvictPolicy(g.CacheEvictPolicy); err != nil {
		return newFieldError("CacheEvictPolicy", "仅支持 LRU/FIFO/LARGE_FIRST")
	}
	if g.MetaTTL.DurationValue() <= 0 {
		return newFieldError("MetaTTL", "必须大于 0")
	}
	if g.ResolveTTL.DurationValue() <= 0 {
		return newFieldError("ResolveTTL", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	if err := validateRules("ProxyRule", c.ProxyRules); err != nil {
		return err
	}
	if err := validateRules("CacheRule", c.CacheRules); err != nil {
		return err
	}

	return nil
}

func validateScheme(scheme string) error {
	if scheme != "http" && scheme != "https" {
		return errors.New("仅支持 http/https")
	}
	return nil
}

func validateNetloc(netloc string) error {
	if netloc == "" {
		return errors.New("不能为空")
	}
	if strings.Contains(netloc, "/") {
		return errors.New("不允许包含路径")
	}
	if strings.Contains(netloc, " ") {
		return errors.New("不允许包含空格")
	}
	if strings.HasPrefix(netloc, "http") {
		return errors.New("不应包含协议头")
	}
	return nil
}

func validateRules(section string, rules []RuleConfig) error {
	for i, rule := range rules {
		if strings.TrimSpace(rule.Repo) == "" {
			return newFieldError(ruleField(section, i, "Repo"), "不能为空")
		}
	}
	return nil
}

// PolicyRules 把 TOML 里的两组规则转换为策略引擎的输入，保持声明顺序。
func (c *Config) PolicyRules() (proxyRules, cacheRules []policy.Rule) {
	return toPolicyRules(c.ProxyRules), toPolicyRules(c.CacheRules)
}

func toPolicyRules(rules []RuleConfig) []policy.Rule {
	out := make([]policy.Rule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, policy.Rule{
			Pattern: rule.Repo,
			IsRegex: rule.UseRegex,
			Allow:   rule.Allow,
		})
	}
	return out
}
