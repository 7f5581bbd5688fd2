package log

// Config is the log section of the service's YAML config.
type Config struct {
	// Level defaults to info.
	Level Level `yaml:"level"`
}

// InitFromConfig initializes the global JSON logger from cfg.
func InitFromConfig(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = InfoLevel
	}
	InitLoggerJSON(cfg.Level)
}
