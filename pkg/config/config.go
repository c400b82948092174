package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the inspection appliance.
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Camera  CameraConfig
	IO      IOConfig
	Trigger TriggerConfig
	Diag    DiagnosticsConfig
}

// ServerConfig holds the REST/WebSocket listen configuration.
type ServerConfig struct {
	ListenAddr string
}

// StoreConfig holds persistence paths and the cycle-result retention
// bound (rows kept per program; older rows are pruned periodically).
type StoreConfig struct {
	DBPath          string
	MasterImgDir    string
	ResultRetention int
}

// CameraBackend selects which Camera capability implementation to wire.
type CameraBackend string

const (
	CameraSimulated CameraBackend = "simulated"
	CameraNetwork   CameraBackend = "network"
)

// CameraConfig configures the active camera capability backend.
type CameraConfig struct {
	Backend     CameraBackend
	SnapshotURL string // network backend: HTTP GET snapshot endpoint
	RTSPURL     string // network backend: preview-only RTSP stream
	Width       int    // simulated backend: synthetic raster width
	Height      int    // simulated backend: synthetic raster height
}

// IOConfig configures the digital I/O capability.
type IOConfig struct {
	Backend    string // "simulated" or "gpio"
	Chip       string // gpio backend: /dev/gpiochipN
	PulseWidth time.Duration
}

// TriggerConfig configures the external-trigger debounce and control
// channel behavior.
type TriggerConfig struct {
	Debounce time.Duration
}

// DiagnosticsConfig configures the rolling-window stats and
// degradation-detection tuning.
type DiagnosticsConfig struct {
	WindowSize    int
	RecentSize    int
	DropPoints    float64
	AlertCooldown time.Duration
	AlertLogPath  string
}

// defaults mirror the values named in the component design.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Store: StoreConfig{
			DBPath:          "inspectord.db",
			MasterImgDir:    "masters",
			ResultRetention: 10000,
		},
		Camera: CameraConfig{
			Backend: CameraSimulated,
			Width:   640,
			Height:  480,
		},
		IO: IOConfig{
			Backend:    "simulated",
			PulseWidth: 300 * time.Millisecond,
		},
		Trigger: TriggerConfig{
			Debounce: 20 * time.Millisecond,
		},
		Diag: DiagnosticsConfig{
			WindowSize:    100,
			RecentSize:    20,
			DropPoints:    5.0,
			AlertCooldown: 5 * time.Minute,
			AlertLogPath:  "inspectord_alerts.log",
		},
	}
}

// Load reads configuration from a .env-style key=value file, overlaying
// it onto the documented defaults. A missing file is not an error; the
// appliance then runs on defaults alone.
func Load(envPath string) (*Config, error) {
	cfg := defaults()

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// URL decode values that might be encoded
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			// If decode fails, use original value
			decodedValue = value
		}

		if err := cfg.apply(key, decodedValue); err != nil {
			return nil, fmt.Errorf("line %q: %w", line, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "listen_addr":
		c.Server.ListenAddr = value
	case "db_path":
		c.Store.DBPath = value
	case "master_image_dir":
		c.Store.MasterImgDir = value
	case "result_retention":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("result_retention: %w", err)
		}
		c.Store.ResultRetention = n
	case "camera_backend":
		switch CameraBackend(value) {
		case CameraSimulated, CameraNetwork:
			c.Camera.Backend = CameraBackend(value)
		default:
			return fmt.Errorf("unknown camera_backend %q", value)
		}
	case "camera_snapshot_url":
		c.Camera.SnapshotURL = value
	case "camera_rtsp_url":
		c.Camera.RTSPURL = value
	case "camera_width":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("camera_width: %w", err)
		}
		c.Camera.Width = n
	case "camera_height":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("camera_height: %w", err)
		}
		c.Camera.Height = n
	case "io_backend":
		c.IO.Backend = value
	case "io_gpio_chip":
		c.IO.Chip = value
	case "io_pulse_width_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("io_pulse_width_ms: %w", err)
		}
		c.IO.PulseWidth = time.Duration(n) * time.Millisecond
	case "trigger_debounce_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("trigger_debounce_ms: %w", err)
		}
		c.Trigger.Debounce = time.Duration(n) * time.Millisecond
	case "diag_window_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("diag_window_size: %w", err)
		}
		c.Diag.WindowSize = n
	case "diag_recent_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("diag_recent_size: %w", err)
		}
		c.Diag.RecentSize = n
	case "diag_drop_points":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("diag_drop_points: %w", err)
		}
		c.Diag.DropPoints = f
	case "diag_alert_cooldown_s":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("diag_alert_cooldown_s: %w", err)
		}
		c.Diag.AlertCooldown = time.Duration(n) * time.Second
	case "diag_alert_log":
		c.Diag.AlertLogPath = value
	}
	return nil
}

// Validate checks that the active camera backend has the fields it needs.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("missing listen_addr")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("missing db_path")
	}
	if c.Store.MasterImgDir == "" {
		return fmt.Errorf("missing master_image_dir")
	}
	switch c.Camera.Backend {
	case CameraSimulated:
		if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
			return fmt.Errorf("camera_width/camera_height must be positive")
		}
	case CameraNetwork:
		if c.Camera.SnapshotURL == "" {
			return fmt.Errorf("camera_snapshot_url required for network backend")
		}
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Backend)
	}
	if c.Diag.WindowSize <= 0 {
		return fmt.Errorf("diag_window_size must be positive")
	}
	if c.Diag.RecentSize <= 0 || c.Diag.RecentSize > c.Diag.WindowSize {
		return fmt.Errorf("diag_recent_size must be positive and <= diag_window_size")
	}
	return nil
}
