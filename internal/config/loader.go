package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// OutputFormat is the only container the encoders write.
const OutputFormat = "gif"

// EnvPrefix prefixes environment overrides, e.g. ANIMCOMPOSE_OUTPUT_DIR.
const EnvPrefix = "ANIMCOMPOSE"

// Load reads the config file at path (or config.yaml from the usual places when path
// is empty), applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	base := defaultBaseDir()

	v.SetDefault("output.dir", "output")
	v.SetDefault("output.extension", "gif")
	v.SetDefault("output.default_prefix", "animation")
	v.SetDefault("cache.dir", filepath.Join(base, "cache"))
	v.SetDefault("work.dir", os.TempDir())
	v.SetDefault("sources.drop_dirs", []string{filepath.Join(base, "inbox")})
	v.SetDefault("sources.index_file", filepath.Join(base, "index.yaml"))
	v.SetDefault("sources.redis.key_prefix", "animcompose:sources")
	v.SetDefault("toolchain.ffmpeg", "ffmpeg")
	v.SetDefault("toolchain.ffprobe", "ffprobe")
	v.SetDefault("toolchain.gifsicle", "gifsicle")
	v.SetDefault("limits.parallelism", 0)
	v.SetDefault("limits.frame_batch", 16)
	v.SetDefault("limits.request_timeout", 10*time.Minute)
	v.SetDefault("limits.invocation_timeout_base", 30*time.Second)
	v.SetDefault("limits.invocation_timeout_per_mb", 4*time.Second)
	v.SetDefault("render.default_dither", "sierra2_4a")
	v.SetDefault("render.pdf_dpi", 144)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

func defaultBaseDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "animcompose")
	}
	return filepath.Join(os.TempDir(), "animcompose")
}

func (c *Config) Validate() error {
	if c.Output.Dir == "" {
		return errors.New("output.dir is required")
	}
	if c.Cache.Dir == "" {
		return errors.New("cache.dir is required")
	}
	if !strings.EqualFold(c.Output.Extension, OutputFormat) {
		return fmt.Errorf("output.extension %q is not supported, animations are encoded as %s", c.Output.Extension, OutputFormat)
	}
	c.Output.Extension = OutputFormat
	if c.Limits.Parallelism < 0 {
		return errors.New("limits.parallelism must not be negative")
	}
	if c.Limits.FrameBatch <= 0 {
		return errors.New("limits.frame_batch must be positive")
	}
	if c.Limits.RequestTimeout <= 0 || c.Limits.InvocationTimeoutBase <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Render.PDFDPI <= 0 {
		return errors.New("render.pdf_dpi must be positive")
	}
	return nil
}
