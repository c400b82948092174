package logger_test

import (
	"os"

	"github.com/fenwick-vision/inspectord/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("inspection runtime started", "version", "1.0.0")
	log.Warn("program nearing statistics retention limit", "program_id", 7)
	log.Error("capture failed", "error", "camera timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugTool)
	cfg.EnableCategory(logger.DebugTrigger)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugTool("tool evaluated", "tool_id", 1, "rate", 98.5)
	log.DebugTrigger("cycle accepted", "source", "internal")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "inspectord_example.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("inspectord_example.json")

	log.Info("cycle completed",
		"program_id", 7,
		"cycle_seq", 42,
		"processing_time_ms", 88)
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugDiagnostics)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Category methods automatically check if enabled; zero cost
	// if the category was never turned on.
	log.DebugDiagnostics("rolling window updated", "tool_id", 1, "mean_rate", 97.2)
	log.DebugTool("not logged unless debug-tool is also enabled")
}
