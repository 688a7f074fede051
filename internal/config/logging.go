// internal/config/logging.go
package config

import (
    "github.com/sirupsen/logrus"
)

func parseLevel(level string) (logrus.Level, error) {
    return logrus.ParseLevel(level)
}

// SetupLogging applies the logging section to the package-level logrus logger.
func SetupLogging(cfg LoggingConfig) {
    level, err := parseLevel(cfg.Level)
    if err != nil {
        level = logrus.InfoLevel
    }
    logrus.SetLevel(level)

    if cfg.Format == "json" {
        logrus.SetFormatter(&logrus.JSONFormatter{})
    } else {
        logrus.SetFormatter(&logrus.TextFormatter{
            FullTimestamp: true,
        })
    }
}
