package jitdebug

import (
	"flag"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/grafana/jitdebuginfo/pkg/codeimage"
)

type Config struct {
	// Compression is the comma separated preference list of codecs emitted
	// code images are stored with.
	Compression    string `yaml:"compression"`
	DebugRoot      string `yaml:"debug_root"`
	SplitDebugInfo bool   `yaml:"split_debug_info"`
	DemangleNative bool   `yaml:"demangle_native" category:"advanced"`
	FrameCacheSize int    `yaml:"frame_cache_size" category:"advanced"`
	SkipCFrames    bool   `yaml:"skip_c_frames"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("jitdebug.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Compression, prefix+"compression", "zstd,zlib", "Comma separated list of codecs to store emitted code with, in order of preference. The first available one is used; 'none' stores code uncompressed.")
	f.StringVar(&cfg.DebugRoot, prefix+"debug-root", "/usr/lib/debug", "Directory of split debug files. Empty disables the lookup.")
	f.BoolVar(&cfg.SplitDebugInfo, prefix+"split-debug-info", true, "Follow .gnu_debuglink sections to split debug files of loaded libraries.")
	f.BoolVar(&cfg.DemangleNative, prefix+"demangle-native", false, "Demangle C++ and Rust names of native frames.")
	f.IntVar(&cfg.FrameCacheSize, prefix+"frame-cache-size", 0, "Number of symbolized native addresses to cache. 0 to disable.")
	f.BoolVar(&cfg.SkipCFrames, prefix+"skip-c-frames", false, "Do not symbolize addresses outside JIT code and ahead-of-time images.")
}

func (cfg *Config) Validate() error {
	if _, err := cfg.CompressionFormats(); err != nil {
		return err
	}
	if cfg.DebugRoot != "" && !path.IsAbs(cfg.DebugRoot) {
		return fmt.Errorf("invalid debug-root %q, must be an absolute path", cfg.DebugRoot)
	}
	if cfg.FrameCacheSize < 0 {
		return fmt.Errorf("invalid frame-cache-size value, must not be negative")
	}
	return nil
}

// CompressionFormats parses the compression preference list.
func (cfg *Config) CompressionFormats() ([]codeimage.Format, error) {
	var formats []codeimage.Format
	for _, s := range strings.Split(cfg.Compression, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		f, err := codeimage.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, nil
}

// DefaultConfig returns the configuration the flags default to.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("", flag.PanicOnError))
	return cfg
}

// ParseConfig reads a YAML document over the defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
