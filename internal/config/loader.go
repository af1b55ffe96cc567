package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时只返回全默认配置，允许纯命令行启动。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absRepos, err := filepath.Abs(cfg.Global.ReposPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.ReposPath = absRepos

	if cfg.Global.MirrorsPath != "" {
		absMirrors, err := filepath.Abs(cfg.Global.MirrorsPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析本地镜像目录: %w", err)
		}
		cfg.Global.MirrorsPath = absMirrors
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Host", "0.0.0.0")
	v.SetDefault("Port", 8090)
	v.SetDefault("ReposPath", "./repos")
	v.SetDefault("HFScheme", "https")
	v.SetDefault("HFNetloc", "huggingface.co")
	v.SetDefault("HFLFSNetloc", "cdn-lfs.huggingface.co")
	v.SetDefault("MirrorScheme", "http")
	v.SetDefault("Offline", false)
	v.SetDefault("BlockSize", 1<<20)
	v.SetDefault("CacheLimitBytes", 0)
	v.SetDefault("CacheEvictPolicy", "LRU")
	v.SetDefault("MetaTTL", "10m")
	v.SetDefault("ResolveTTL", "2m")
	v.SetDefault("MaxRetries", 5)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
}

// applyGlobalDefaults 兜底零值字段，Unmarshal 命中未知 key 时默认值可能被冲掉。
func applyGlobalDefaults(g *GlobalConfig) {
	if g.Port == 0 {
		g.Port = 8090
	}
	if g.HFScheme == "" {
		g.HFScheme = "https"
	}
	if g.HFNetloc == "" {
		g.HFNetloc = "huggingface.co"
	}
	if g.HFLFSNetloc == "" {
		g.HFLFSNetloc = "cdn-lfs.huggingface.co"
	}
	if g.MirrorScheme == "" {
		g.MirrorScheme = "http"
	}
	if g.ReposPath == "" {
		g.ReposPath = "./repos"
	}
	if g.BlockSize == 0 {
		g.BlockSize = 1 << 20
	}
	if g.CacheEvictPolicy == "" {
		g.CacheEvictPolicy = "LRU"
	}
	if g.MetaTTL.DurationValue() == 0 {
		g.MetaTTL = Duration(10 * time.Minute)
	}
	if g.ResolveTTL.DurationValue() == 0 {
		g.ResolveTTL = Duration(2 * time.Minute)
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 5
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// EnsureDirectories 创建仓库缓存目录（含 tmp 子目录），镜像目录只要求已存在。
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(filepath.Join(c.Global.ReposPath, "tmp"), 0o755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	if c.Global.MirrorsPath != "" {
		if info, err := os.Stat(c.Global.MirrorsPath); err != nil || !info.IsDir() {
			return newFieldError("MirrorsPath", "目录不存在或不可访问")
		}
	}
	return nil
}
