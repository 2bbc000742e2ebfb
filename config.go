package sham

import (
	"context"
	"fmt"
	"time"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"
)

// MaxPriority 是优先级的上限，也是新进程和 boost 之后的默认优先级
const MaxPriority = 3

// Config 是「操作系统」的可序列化配置。零值字段在 Validate 之前由 DefaultConfig 兜底。
type Config struct {
	NProc   int `json:"nproc" yaml:"nproc"`
	NThread int `json:"nthread" yaml:"nthread"`
	NQueue  int `json:"nqueue" yaml:"nqueue"`
	NCPU    int `json:"ncpu" yaml:"ncpu"`
	NOFile  int `json:"nofile" yaml:"nofile"`

	// BoostInterval 多少个 tick 做一次 priority boost
	BoostInterval int `json:"boostInterval" yaml:"boostInterval"`

	PageSize   uint64 `json:"pageSize" yaml:"pageSize"`
	MemPages   int    `json:"memPages" yaml:"memPages"`
	StackPages int    `json:"stackPages" yaml:"stackPages"`

	// IdleTick 是 CPU 空闲时时钟中断的间隔
	IdleTick time.Duration `json:"idleTick" yaml:"idleTick"`

	// LockSecret 是 schedulerLock 的口令；为空时启动时随机发一个
	LockSecret string `json:"lockSecret,omitempty" yaml:"lockSecret,omitempty"`

	Log     LogConfig     `json:"log" yaml:"log"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Colors bool   `json:"colors" yaml:"colors"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	Output      string `json:"output,omitempty" yaml:"output,omitempty"`
}

// DefaultConfig 返回默认配置，容量和 xv6 的 param.h 一致
func DefaultConfig() *Config {
	return &Config{
		NProc:         64,
		NThread:       8,
		NQueue:        3,
		NCPU:          1,
		NOFile:        16,
		BoostInterval: 100,
		PageSize:      4096,
		MemPages:      4096,
		StackPages:    1,
		IdleTick:      time.Millisecond,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Colors: true,
		},
		Tracing: TracingConfig{
			ServiceName: "sham",
		},
	}
}

// Validate 检查配置，返回遇到的第一个不合法的设置
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	switch {
	case c.NProc <= 0:
		return fmt.Errorf("nproc must be > 0")
	case c.NThread <= 0:
		return fmt.Errorf("nthread must be > 0")
	case c.NQueue <= 0:
		return fmt.Errorf("nqueue must be > 0")
	case c.NCPU <= 0:
		return fmt.Errorf("ncpu must be > 0")
	case c.NOFile < 3:
		return fmt.Errorf("nofile must be >= 3 (console fds)")
	case c.BoostInterval <= 0:
		return fmt.Errorf("boostInterval must be > 0")
	case c.PageSize == 0 || c.PageSize%8 != 0:
		return fmt.Errorf("pageSize must be a positive multiple of 8")
	case c.MemPages <= 0:
		return fmt.Errorf("memPages must be > 0")
	case c.StackPages <= 0:
		return fmt.Errorf("stackPages must be > 0")
	case c.IdleTick <= 0:
		return fmt.Errorf("idleTick must be > 0")
	case len(c.LockSecret) > 72:
		return fmt.Errorf("lockSecret must be at most 72 bytes")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// LoadConfig 从 URL（任何 afs 支持的地址，包括本地路径）读 YAML 配置。
// 文件里没写的字段保持默认值。
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	fs := afs.New()
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", URL, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", URL, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", URL, err)
	}
	return cfg, nil
}
