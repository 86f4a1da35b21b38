package observability

// Config groups the logging, metrics and tracing settings.
type Config struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// LoggingConfig selects the level (debug, info, warn, error) and the
// encoding (text or json) of the process log.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultConfig logs text at info, exports metrics and leaves tracing off.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1,
			ServiceName:    instrumentationName,
			ServiceVersion: "dev",
		},
	}
}

// Normalize replaces empty strings and an out-of-range sample rate with
// defaults. The enabled flags are left as given.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&c.Logging.Level, def.Logging.Level)
	fill(&c.Logging.Format, def.Logging.Format)
	fill(&c.Tracing.Exporter, def.Tracing.Exporter)
	fill(&c.Tracing.OTLPEndpoint, def.Tracing.OTLPEndpoint)
	fill(&c.Tracing.ServiceName, def.Tracing.ServiceName)
	fill(&c.Tracing.ServiceVersion, def.Tracing.ServiceVersion)
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = def.Tracing.SampleRate
	}
	return c
}
