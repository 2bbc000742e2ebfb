package sham

import "io"

// Option 配置 OS
type Option func(os *OS)

// WithConfig 使用给定的配置，nil 表示 DefaultConfig
func WithConfig(cfg *Config) Option {
	return func(os *OS) {
		if cfg != nil {
			os.cfg = cfg
		}
	}
}

// WithMemory 替换虚拟内存层（测试里用来注入失败）
func WithMemory(mem Memory) Option {
	return func(os *OS) {
		os.mem = mem
	}
}

// WithConsole 设置控制台输出，默认 os.Stdout
func WithConsole(w io.Writer) Option {
	return func(os *OS) {
		os.consoleOut = w
	}
}
