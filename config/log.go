package config

import (
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
)

// Apply sets the level and formatter of logger.
func (c *LogConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Level)

	if err != nil {
		return stacktrace.Propagate(err, "invalid log level")
	}

	logger.SetLevel(level)

	switch c.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return stacktrace.NewError("unknown log format '%v'", c.Format)
	}

	return nil
}
