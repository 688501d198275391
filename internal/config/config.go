package config

import "time"

type Config struct {
	Output    OutputConfig    `mapstructure:"output"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Work      WorkConfig      `mapstructure:"work"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Toolchain ToolchainConfig `mapstructure:"toolchain"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Render    RenderConfig    `mapstructure:"render"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type OutputConfig struct {
	Dir           string `mapstructure:"dir"`
	Extension     string `mapstructure:"extension"`
	DefaultPrefix string `mapstructure:"default_prefix"`
}

type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type WorkConfig struct {
	Dir string `mapstructure:"dir"`
}

type SourcesConfig struct {
	// DropDirs are probed by foreign identifier and searched by fuzzy filename.
	DropDirs  []string    `mapstructure:"drop_dirs"`
	IndexFile string      `mapstructure:"index_file"`
	Redis     RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ToolchainConfig struct {
	FFmpeg   string `mapstructure:"ffmpeg"`
	FFprobe  string `mapstructure:"ffprobe"`
	Gifsicle string `mapstructure:"gifsicle"`
}

type LimitsConfig struct {
	// Parallelism of 0 derives the ceiling from CPU cores.
	Parallelism            int           `mapstructure:"parallelism"`
	FrameBatch             int           `mapstructure:"frame_batch"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	InvocationTimeoutBase  time.Duration `mapstructure:"invocation_timeout_base"`
	InvocationTimeoutPerMB time.Duration `mapstructure:"invocation_timeout_per_mb"`
}

type RenderConfig struct {
	DefaultDither string `mapstructure:"default_dither"`
	PDFDPI        int    `mapstructure:"pdf_dpi"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}
