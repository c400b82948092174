package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel         string
	LogFormat        string
	LogFile          string
	DebugCapture     bool
	DebugTool        bool
	DebugTrigger     bool
	DebugIO          bool
	DebugDiagnostics bool
	DebugAll         bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugCapture, "debug-capture", false,
		"Enable detailed capture/position-offset debugging")
	fs.BoolVar(&f.DebugTool, "debug-tool", false,
		"Enable per-tool evaluation debugging (rates, sub-scores)")
	fs.BoolVar(&f.DebugTrigger, "debug-trigger", false,
		"Enable trigger/cycle state-machine debugging")
	fs.BoolVar(&f.DebugIO, "debug-io", false,
		"Enable digital I/O line transition debugging")
	fs.BoolVar(&f.DebugDiagnostics, "debug-diagnostics", false,
		"Enable rolling-stats and degradation-detection debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugCapture {
			cfg.EnableCategory(DebugCapture)
			cfg.Level = LevelDebug
		}
		if f.DebugTool {
			cfg.EnableCategory(DebugTool)
			cfg.Level = LevelDebug
		}
		if f.DebugTrigger {
			cfg.EnableCategory(DebugTrigger)
			cfg.Level = LevelDebug
		}
		if f.DebugIO {
			cfg.EnableCategory(DebugIO)
			cfg.Level = LevelDebug
		}
		if f.DebugDiagnostics {
			cfg.EnableCategory(DebugDiagnostics)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./inspectord

  Enable DEBUG level:
    ./inspectord --log-level debug

  Log to file:
    ./inspectord --log-file inspectord.log

  JSON format for structured logging:
    ./inspectord --log-format json -o inspectord.json

  Debug tool evaluations only:
    ./inspectord --debug-tool

  Debug everything:
    ./inspectord --debug-all -o debug.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugCapture {
			debugCategories = append(debugCategories, "capture")
		}
		if f.DebugTool {
			debugCategories = append(debugCategories, "tool")
		}
		if f.DebugTrigger {
			debugCategories = append(debugCategories, "trigger")
		}
		if f.DebugIO {
			debugCategories = append(debugCategories, "io")
		}
		if f.DebugDiagnostics {
			debugCategories = append(debugCategories, "diagnostics")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
