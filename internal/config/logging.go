// ABOUTME: Logrus setup shared by every command
// ABOUTME: Applies level and text/json formatter, writing to stderr so stdout stays clean for MCP stdio
package config

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// SetupLogging configures the standard logrus logger
func SetupLogging(level, format string, out io.Writer) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)
	log.SetLevel(parsed)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.999Z07:00"})
	} else {
		// Millisecond precision helps when reading tool-call timings
		formatter := new(log.TextFormatter)
		formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
		formatter.FullTimestamp = true
		log.SetFormatter(formatter)
	}
	log.Debug("debug logging enabled")
	return nil
}
