// Package config holds the runtime configuration shared by the relay server and the
// standalone motion tracker.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Camera backend kinds.
const (
	CameraDevice = "device"
	CameraFile   = "file"
	CameraSerial = "serial"
)

// Config defines the runtime configuration.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	RTSPAddr    string

	RootPassword string
	APIPassword  string

	Camera       string // device, file or serial; empty infers from VideoPath
	VideoPath    string
	SerialPort   string
	BaudRate     int
	MaxIORetries int

	DetectURL     string
	DetectTimeout time.Duration

	ThrottleServer  bool
	ThrottleSeconds int

	TrackerEnabled     bool
	IdleResetThreshold int
	Cooldown           time.Duration
	MinArea            float64
	CaptureDir         string
	MaxSnapshots       int
	DBPath             string

	ReportURL         string
	ReportSecret      string
	ReportStatus      string
	ReportInterval    time.Duration
	ForwardDetections bool

	STUNServers []string
	MaxClients  int

	LogLevel string
	LogColor bool
	LogFile  string
	Debug    bool
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		HTTPAddr:           ":5000",
		MetricsAddr:        ":9090",
		VideoPath:          "0",
		SerialPort:         "/dev/ttyACM0",
		BaudRate:           921600,
		MaxIORetries:       1,
		DetectURL:          "http://localhost:5001/detect",
		DetectTimeout:      10 * time.Second,
		ThrottleSeconds:    5,
		TrackerEnabled:     true,
		IdleResetThreshold: 100,
		Cooldown:           10 * time.Second,
		MinArea:            1100,
		CaptureDir:         "captures",
		DBPath:             "captures/index.db",
		ReportStatus:       "motion",
		ReportInterval:     30 * time.Second,
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		MaxClients:         10,
		LogLevel:           "info",
		LogColor:           true,
		LogFile:            "warn.log",
	}
}

// CameraKind resolves the configured backend. A numeric VIDEO_PATH selects a
// capture device, anything else is treated as a file or stream URL.
func (c Config) CameraKind() string {
	if c.Camera != "" {
		return strings.ToLower(c.Camera)
	}
	if _, err := strconv.Atoi(c.VideoPath); err == nil {
		return CameraDevice
	}
	return CameraFile
}

// Validate checks values that every entry point depends on.
func (c Config) Validate() error {
	var errs []error

	switch c.CameraKind() {
	case CameraDevice:
		if _, err := strconv.Atoi(c.VideoPath); err != nil {
			errs = append(errs, fmt.Errorf("device camera needs a numeric video path, got %q", c.VideoPath))
		}
	case CameraFile:
		if c.VideoPath == "" {
			errs = append(errs, errors.New("file camera needs a video path"))
		}
	case CameraSerial:
		if c.SerialPort == "" {
			errs = append(errs, errors.New("serial camera needs a serial port"))
		}
		if c.BaudRate <= 0 {
			errs = append(errs, fmt.Errorf("invalid baud rate %d", c.BaudRate))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown camera backend %q", c.Camera))
	}

	if c.MaxIORetries < 0 {
		errs = append(errs, fmt.Errorf("max io retries must be >= 0, got %d", c.MaxIORetries))
	}
	if c.IdleResetThreshold <= 0 {
		errs = append(errs, fmt.Errorf("idle reset threshold must be > 0, got %d", c.IdleResetThreshold))
	}
	// Snapshot names have one-second resolution.
	if c.Cooldown < time.Second {
		errs = append(errs, fmt.Errorf("snapshot cooldown must be at least 1s, got %s", c.Cooldown))
	}
	if c.MinArea < 0 {
		errs = append(errs, fmt.Errorf("min area must be >= 0, got %v", c.MinArea))
	}
	if c.CaptureDir == "" {
		errs = append(errs, errors.New("capture directory is required"))
	}
	if c.MaxSnapshots < 0 {
		errs = append(errs, fmt.Errorf("max snapshots must be >= 0, got %d", c.MaxSnapshots))
	}
	if c.ThrottleServer && c.ThrottleSeconds <= 0 {
		errs = append(errs, fmt.Errorf("throttle seconds must be > 0, got %d", c.ThrottleSeconds))
	}
	if c.ReportURL != "" && c.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("report interval must be > 0, got %s", c.ReportInterval))
	}

	return errors.Join(errs...)
}

// ValidateAuth checks the HTTP basic-auth credentials required by the relay server.
func (c Config) ValidateAuth() error {
	var errs []error
	if c.RootPassword == "" {
		errs = append(errs, errors.New("STREAM_ROOT_PASSWORD is required"))
	}
	if c.APIPassword == "" {
		errs = append(errs, errors.New("STREAM_API_PASSWORD is required"))
	}
	return errors.Join(errs...)
}

// Users returns the basic-auth user table.
func (c Config) Users() map[string]string {
	return map[string]string{
		"root": c.RootPassword,
		"api":  c.APIPassword,
	}
}

// ThrottleInterval is the minimum delay between /stream-detect frames, zero when off.
func (c Config) ThrottleInterval() time.Duration {
	if !c.ThrottleServer {
		return 0
	}
	return time.Duration(c.ThrottleSeconds) * time.Second
}
