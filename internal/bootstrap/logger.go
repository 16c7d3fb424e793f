package bootstrap

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger: JSON at info level in production,
// colored text at debug level everywhere else. OPENTALK_CTRL_LOG_LEVEL
// overrides the level either way.
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Production() {
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetLevel(logrus.InfoLevel)
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetLevel(logrus.DebugLevel)
	}
	if raw := os.Getenv("OPENTALK_CTRL_LOG_LEVEL"); raw != "" {
		if level, err := logrus.ParseLevel(raw); err == nil {
			log.SetLevel(level)
		} else {
			log.WithField("value", raw).Warn("ignoring invalid OPENTALK_CTRL_LOG_LEVEL")
		}
	}
	return log
}
