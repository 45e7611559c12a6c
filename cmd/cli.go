// Package cmd implements the harborshield subcommands.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/message"

	"grimm.is/harborshield/internal/brand"
	"grimm.is/harborshield/internal/config"
	"grimm.is/harborshield/internal/health"
	"grimm.is/harborshield/internal/i18n"
)

// Printer is the global message printer for the CLI.
var Printer = i18n.NewCLIPrinter()

// ErrUnhealthy is returned by status when the daemon reports unhealthy.
var ErrUnhealthy = errors.New("daemon is unhealthy")

// ErrChangesPending is returned by plan when the kernel is out of date.
var ErrChangesPending = errors.New("changes pending")

var (
	colorAccent = lipgloss.Color("#A8D8EA")
	colorMuted  = lipgloss.Color("#6c757d")
	colorGood   = lipgloss.Color("#4ECDC4")
	colorWarn   = lipgloss.Color("#FFE66D")
	colorAlert  = lipgloss.Color("#FF6B6B")

	styleTitle = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleMuted = lipgloss.NewStyle().Foreground(colorMuted)
	styleGood  = lipgloss.NewStyle().Foreground(colorGood).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleBad   = lipgloss.NewStyle().Foreground(colorAlert).Bold(true)
	styleName  = lipgloss.NewStyle().Width(12)
)

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return styleGood
	case health.StatusDegraded:
		return styleWarn
	default:
		return styleBad
	}
}

// Options are the flags shared by subcommands that read the configuration.
type Options struct {
	ConfigFile   string
	DataDir      string
	HealthListen string
	Debug        bool
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(opts Options) (*config.Config, error) {
	path := opts.ConfigFile
	if path == "" {
		path = brand.DefaultConfigPath()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.HealthListen != "" {
		cfg.HealthListen = opts.HealthListen
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errs
	}
	return cfg, nil
}

// printLine prints a catalog message followed by a newline. The key must not
// carry the newline itself or the lookup misses.
func printLine(w io.Writer, p *message.Printer, key string, args ...any) {
	p.Fprintf(w, key, args...)
	fmt.Fprintln(w)
}

// Fatal prints err and exits non-zero.
func Fatal(prefix string, err error) {
	Printer.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	os.Exit(1)
}
