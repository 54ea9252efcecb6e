package config

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogger applies LoggerConfiguration to the global logrus logger,
// the same package-level logger every component in this module calls
// through, matching the teacher's convention of a shared logrus instance
// rather than per-component loggers.
func ConfigureLogger(cfg LoggerConfiguration) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("config: invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	switch cfg.Output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("config: opening log output %q: %w", cfg.Output, err)
		}
		log.SetOutput(f)
	}

	return nil
}
