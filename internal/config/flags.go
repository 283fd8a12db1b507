package config

import (
	"strings"

	"github.com/urfave/cli/v2"
)

// Flag names.
const (
	flagHTTPAddr        = "http"
	flagMetricsAddr     = "metrics"
	flagRTSPAddr        = "rtsp-addr"
	flagRootPassword    = "root-password"
	flagAPIPassword     = "api-password"
	flagCamera          = "camera"
	flagVideoPath       = "video-path"
	flagSerialPort      = "serial-port"
	flagBaudRate        = "baud-rate"
	flagMaxIORetries    = "max-io-retries"
	flagDetectURL       = "detect-url"
	flagDetectTimeout   = "detect-timeout"
	flagThrottleServer  = "throttle"
	flagThrottleSeconds = "throttle-seconds"
	flagTracker         = "tracker"
	flagIdleReset       = "idle-reset"
	flagCooldown        = "cooldown"
	flagMinArea         = "min-area"
	flagCaptureDir      = "capture-dir"
	flagMaxSnapshots    = "max-snapshots"
	flagDBPath          = "db"
	flagReportURL       = "report-url"
	flagReportSecret    = "report-secret"
	flagReportStatus    = "report-status"
	flagReportInterval  = "report-interval"
	flagForwardDetect   = "forward-detections"
	flagSTUN            = "stun"
	flagMaxClients      = "max-clients"
	flagLogLevel        = "log-level"
	flagLogColor        = "log-color"
	flagLogFile         = "log-file"
	flagDebug           = "debug"
)

// Flags returns the CLI flags, each also read from an environment variable.
func Flags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		&cli.StringFlag{Name: flagHTTPAddr, Value: d.HTTPAddr, Usage: "HTTP server address", EnvVars: []string{"HTTP_ADDR"}},
		&cli.StringFlag{Name: flagMetricsAddr, Value: d.MetricsAddr, Usage: "Prometheus metrics address (empty disables)", EnvVars: []string{"METRICS_ADDR"}},
		&cli.StringFlag{Name: flagRTSPAddr, Value: d.RTSPAddr, Usage: "RTSP relay address, e.g. :8554 (empty disables)", EnvVars: []string{"RTSP_ADDR"}},
		&cli.StringFlag{Name: flagRootPassword, Usage: "basic-auth password for user root", EnvVars: []string{"STREAM_ROOT_PASSWORD"}},
		&cli.StringFlag{Name: flagAPIPassword, Usage: "basic-auth password for user api", EnvVars: []string{"STREAM_API_PASSWORD"}},
		&cli.StringFlag{Name: flagCamera, Value: d.Camera, Usage: "camera backend: device, file or serial (default: inferred from video path)", EnvVars: []string{"CAMERA"}},
		&cli.StringFlag{Name: flagVideoPath, Value: d.VideoPath, Usage: "capture device index, video file or stream URL", EnvVars: []string{"VIDEO_PATH"}},
		&cli.StringFlag{Name: flagSerialPort, Value: d.SerialPort, Usage: "ArduCam serial port", EnvVars: []string{"SERIAL_PORT"}},
		&cli.IntFlag{Name: flagBaudRate, Value: d.BaudRate, Usage: "ArduCam baud rate", EnvVars: []string{"BAUD_RATE"}},
		&cli.IntFlag{Name: flagMaxIORetries, Value: d.MaxIORetries, Usage: "camera restarts attempted before a read error is fatal", EnvVars: []string{"MAX_IO_RETRIES"}},
		&cli.StringFlag{Name: flagDetectURL, Value: d.DetectURL, Usage: "remote detection endpoint", EnvVars: []string{"REMOTE_DETECT_SERVER"}},
		&cli.DurationFlag{Name: flagDetectTimeout, Value: d.DetectTimeout, Usage: "remote detection request timeout", EnvVars: []string{"DETECT_TIMEOUT"}},
		&cli.BoolFlag{Name: flagThrottleServer, Value: d.ThrottleServer, Usage: "throttle /stream-detect", EnvVars: []string{"THROTTLE_SERVER"}},
		&cli.IntFlag{Name: flagThrottleSeconds, Value: d.ThrottleSeconds, Usage: "seconds between /stream-detect frames when throttled", EnvVars: []string{"THROTTLE_SECONDS"}},
		&cli.BoolFlag{Name: flagTracker, Value: d.TrackerEnabled, Usage: "run the background motion tracker", EnvVars: []string{"MOTION_TRACKER"}},
		&cli.IntFlag{Name: flagIdleReset, Value: d.IdleResetThreshold, Usage: "tracking iterations before the tracker recalibrates", EnvVars: []string{"IDLE_RESET"}},
		&cli.DurationFlag{Name: flagCooldown, Value: d.Cooldown, Usage: "minimum time between persisted snapshots", EnvVars: []string{"SNAPSHOT_COOLDOWN"}},
		&cli.Float64Flag{Name: flagMinArea, Value: d.MinArea, Usage: "minimum contour area (pixels) that counts as motion", EnvVars: []string{"MIN_AREA"}},
		&cli.StringFlag{Name: flagCaptureDir, Value: d.CaptureDir, Usage: "snapshot directory", EnvVars: []string{"CAPTURE_DIR"}},
		&cli.IntFlag{Name: flagMaxSnapshots, Value: d.MaxSnapshots, Usage: "snapshots kept on disk, oldest deleted first (0 keeps all)", EnvVars: []string{"MAX_SNAPSHOTS"}},
		&cli.StringFlag{Name: flagDBPath, Value: d.DBPath, Usage: "SQLite snapshot index", EnvVars: []string{"SNAPSHOT_DB"}},
		&cli.StringFlag{Name: flagReportURL, Value: d.ReportURL, Usage: "upstream motion report endpoint (empty disables)", EnvVars: []string{"REPORT_URL"}},
		&cli.StringFlag{Name: flagReportSecret, Usage: "shared secret sent to the report endpoint", EnvVars: []string{"REPORT_SECRET"}},
		&cli.StringFlag{Name: flagReportStatus, Value: d.ReportStatus, Usage: "status tag attached to reports", EnvVars: []string{"REPORT_STATUS"}},
		&cli.DurationFlag{Name: flagReportInterval, Value: d.ReportInterval, Usage: "how often queued reports are delivered", EnvVars: []string{"REPORT_INTERVAL"}},
		&cli.BoolFlag{Name: flagForwardDetect, Value: d.ForwardDetections, Usage: "run remote detection on snapshots before reporting", EnvVars: []string{"FORWARD_DETECTIONS"}},
		&cli.StringFlag{Name: flagSTUN, Value: strings.Join(d.STUNServers, ","), Usage: "STUN server URLs (comma-separated)", EnvVars: []string{"STUN_SERVERS"}},
		&cli.IntFlag{Name: flagMaxClients, Value: d.MaxClients, Usage: "maximum WebRTC event clients", EnvVars: []string{"MAX_CLIENTS"}},
		&cli.StringFlag{Name: flagLogLevel, Value: d.LogLevel, Usage: "log level (debug, info, warn, error, silent)", EnvVars: []string{"LOG_LEVEL"}},
		&cli.BoolFlag{Name: flagLogColor, Value: d.LogColor, Usage: "enable colored log output", EnvVars: []string{"LOG_COLOR"}},
		&cli.StringFlag{Name: flagLogFile, Value: d.LogFile, Usage: "warning log file (empty disables)", EnvVars: []string{"LOG_FILE"}},
		&cli.BoolFlag{Name: flagDebug, Usage: "debug logging", EnvVars: []string{"DEBUG"}},
	}
}

// FromContext builds a Config from parsed CLI flags.
func FromContext(c *cli.Context) Config {
	cfg := Config{
		HTTPAddr:           c.String(flagHTTPAddr),
		MetricsAddr:        c.String(flagMetricsAddr),
		RTSPAddr:           c.String(flagRTSPAddr),
		RootPassword:       c.String(flagRootPassword),
		APIPassword:        c.String(flagAPIPassword),
		Camera:             c.String(flagCamera),
		VideoPath:          c.String(flagVideoPath),
		SerialPort:         c.String(flagSerialPort),
		BaudRate:           c.Int(flagBaudRate),
		MaxIORetries:       c.Int(flagMaxIORetries),
		DetectURL:          c.String(flagDetectURL),
		DetectTimeout:      c.Duration(flagDetectTimeout),
		ThrottleServer:     c.Bool(flagThrottleServer),
		ThrottleSeconds:    c.Int(flagThrottleSeconds),
		TrackerEnabled:     c.Bool(flagTracker),
		IdleResetThreshold: c.Int(flagIdleReset),
		Cooldown:           c.Duration(flagCooldown),
		MinArea:            c.Float64(flagMinArea),
		CaptureDir:         c.String(flagCaptureDir),
		MaxSnapshots:       c.Int(flagMaxSnapshots),
		DBPath:             c.String(flagDBPath),
		ReportURL:          c.String(flagReportURL),
		ReportSecret:       c.String(flagReportSecret),
		ReportStatus:       c.String(flagReportStatus),
		ReportInterval:     c.Duration(flagReportInterval),
		ForwardDetections:  c.Bool(flagForwardDetect),
		STUNServers:        splitList(c.String(flagSTUN)),
		MaxClients:         c.Int(flagMaxClients),
		LogLevel:           c.String(flagLogLevel),
		LogColor:           c.Bool(flagLogColor),
		LogFile:            c.String(flagLogFile),
		Debug:              c.Bool(flagDebug),
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
