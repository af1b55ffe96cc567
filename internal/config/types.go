package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述守护进程的全局运行参数。
type GlobalConfig struct {
	Host    string `mapstructure:"Host"`
	Port    int    `mapstructure:"Port"`
	SSLKey  string `mapstructure:"SSLKey"`
	SSLCert string `mapstructure:"SSLCert"`

	ReposPath   string `mapstructure:"ReposPath"`
	MirrorsPath string `mapstructure:"MirrorsPath"`

	HFScheme    string `mapstructure:"HFScheme"`
	HFNetloc    string `mapstructure:"HFNetloc"`
	HFLFSNetloc string `mapstructure:"HFLFSNetloc"`

	// Mirror* 是对外公布的本镜像地址，重写后的 LFS 跳转指向这里。
	MirrorScheme    string `mapstructure:"MirrorScheme"`
	MirrorNetloc    string `mapstructure:"MirrorNetloc"`
	MirrorLFSNetloc string `mapstructure:"MirrorLFSNetloc"`

	Offline bool `mapstructure:"Offline"`

	BlockSize        int64  `mapstructure:"BlockSize"`
	CacheLimitBytes  int64  `mapstructure:"CacheLimitBytes"`
	CacheEvictPolicy string `mapstructure:"CacheEvictPolicy"`

	MetaTTL    Duration `mapstructure:"MetaTTL"`
	ResolveTTL Duration `mapstructure:"ResolveTTL"`

	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
}

// RuleConfig 是 TOML 里的一条允许/拒绝规则，按声明顺序求值。
type RuleConfig struct {
	Repo     string `mapstructure:"Repo"`
	UseRegex bool   `mapstructure:"UseRegex"`
	Allow    bool   `mapstructure:"Allow"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig `mapstructure:",squash"`
	ProxyRules []RuleConfig `mapstructure:"ProxyRule"`
	CacheRules []RuleConfig `mapstructure:"CacheRule"`
}
