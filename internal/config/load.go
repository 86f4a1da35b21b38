package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. TUTOR_SCHEDULER_MAX_WORKERS.
const EnvPrefix = "TUTOR"

// FileName is the config file base name searched for when no path is given.
const FileName = "tutor"

// Metadata describes where a loaded configuration came from.
type Metadata struct {
	ConfigFile string
	LoadedAt   time.Time
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	configPath  string
	searchPaths []string
	homeDir     func() (string, error)
}

// WithConfigPath reads configuration from a specific file, which must exist.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithSearchPaths replaces the directories searched for tutor.yaml.
func WithSearchPaths(paths ...string) Option {
	return func(o *loadOptions) {
		o.searchPaths = paths
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// Load merges defaults, the config file and environment overrides, in that
// order of increasing precedence, and validates the result.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{homeDir: os.UserHomeDir}
	for _, opt := range opts {
		opt(&options)
	}
	meta := Metadata{LoadedAt: time.Now()}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, Default()); err != nil {
		return Config{}, meta, err
	}

	if options.configPath != "" {
		v.SetConfigFile(options.configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, meta, fmt.Errorf("read config %s: %w", options.configPath, err)
		}
	} else {
		v.SetConfigName(FileName)
		for _, dir := range searchPaths(options) {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, meta, fmt.Errorf("read config: %w", err)
			}
		}
	}
	meta.ConfigFile = v.ConfigFileUsed()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, meta, fmt.Errorf("decode config: %w", err)
	}
	cfg.Observability = cfg.Observability.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, meta, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, meta, nil
}

func searchPaths(options loadOptions) []string {
	if options.searchPaths != nil {
		return options.searchPaths
	}
	paths := []string{"."}
	if options.homeDir != nil {
		if home, err := options.homeDir(); err == nil && home != "" {
			paths = append(paths, filepath.Join(home, ".tutor"))
		}
	}
	return paths
}

// setDefaults registers every field of def so that environment variables can
// override keys the file does not mention.
func setDefaults(v *viper.Viper, def Config) error {
	encoded, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(encoded, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	flatten("", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, tree map[string]any, set func(string, any)) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flatten(full, nested, set)
			continue
		}
		set(full, value)
	}
}
