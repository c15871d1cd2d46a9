// Package logx configures the process-wide go-logging backend.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/op/go-logging"
)

// Format is the line layout shared by every papergw binary.
const Format = `%{time:2006-01-02 15:04:05} %{level:.5s} %{module} %{message}`

// Init installs a leveled backend writing to stderr.
func Init(level string) error {
	return InitWriter(os.Stderr, level)
}

// InitWriter installs a leveled backend writing to w. An empty level means INFO.
func InitWriter(w io.Writer, level string) error {
	if strings.TrimSpace(level) == "" {
		level = "INFO"
	}
	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		return err
	}

	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(Format))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")

	logging.SetBackend(leveled)
	return nil
}
