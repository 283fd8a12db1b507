package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/LucaChen/stream-client/internal/camera"
	"github.com/LucaChen/stream-client/internal/config"
	"github.com/LucaChen/stream-client/internal/detect"
	"github.com/LucaChen/stream-client/internal/events"
	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/motion"
	"github.com/LucaChen/stream-client/internal/relay"
	"github.com/LucaChen/stream-client/internal/report"
	"github.com/LucaChen/stream-client/internal/rtsp"
	"github.com/LucaChen/stream-client/internal/snapshot"
	"github.com/LucaChen/stream-client/internal/store"
	"github.com/LucaChen/stream-client/internal/webrtc"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:   "stream-client",
		Usage:  "webcam MJPEG relay with motion tracking",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("stream-client: %v", err)
	}
}

// Server owns every long-running component of the relay.
type Server struct {
	cfg     config.Config
	metrics *metrics.Metrics

	frames   *relay.FrameBroadcaster
	events   *events.Broadcaster
	detector *detect.Client
	webrtc   *webrtc.Server

	db        *store.DB
	snapshots *snapshot.Store
	tracker   *motion.Tracker
	queue     *report.Queue
	scheduler *report.Scheduler
	reportJob *report.Job

	httpServer *http.Server
}

func run(c *cli.Context) error {
	cfg := config.FromContext(c)
	if err := errors.Join(cfg.Validate(), cfg.ValidateAuth()); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	logger.AttachFile(logger.FileConfig{
		Path:       cfg.LogFile,
		Level:      logger.WARN,
		MaxSizeMB:  10,
		MaxBackups: 3,
		Compress:   true,
	})
	defer logger.Close()

	logger.Info("Main", "Stream client starting...")
	logger.Info("Main", "Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if err := srv.Close(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("Main", "Server stopped")
	return nil
}

// NewServer builds the components selected by cfg without starting them.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	src, err := camera.New(cfg, m)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		metrics:  m,
		frames:   relay.NewFrameBroadcaster(src, m),
		events:   events.NewBroadcaster(m),
		detector: detect.New(cfg.DetectURL, cfg.DetectTimeout, m),
	}
	s.webrtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxClients, s.events, m)

	if cfg.TrackerEnabled {
		if err := s.setupTracker(); err != nil {
			s.Close()
			return nil, err
		}
	}

	opts := relay.Options{
		Users:    cfg.Users(),
		Frames:   s.frames,
		Detector: s.detector,
		Events:   s.events,
		WebRTC:   s.webrtc,
		Metrics:  m,
		Throttle: cfg.ThrottleInterval(),
	}
	if s.tracker != nil {
		opts.Tracker = s.tracker
		opts.Snapshots = s.snapshots
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           relay.NewServer(opts).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) setupTracker() error {
	db, err := store.Open(s.cfg.DBPath)
	if err != nil {
		return err
	}
	s.db = db

	s.snapshots, err = snapshot.New(snapshot.Config{
		Dir:          s.cfg.CaptureDir,
		MaxSnapshots: s.cfg.MaxSnapshots,
	}, db, s.metrics)
	if err != nil {
		return err
	}

	if s.cfg.ReportURL != "" {
		s.queue = report.NewQueue(report.DefaultQueueSize, s.metrics)
		s.reportJob = &report.Job{
			Queue:     s.queue,
			Sender:    report.NewReporter(s.cfg.ReportURL, s.cfg.ReportSecret, s.cfg.ReportStatus, s.cfg.DetectTimeout),
			Snapshots: s.snapshots,
			Metrics:   s.metrics,
		}
		if s.cfg.ForwardDetections {
			s.reportJob.Detector = s.detector
		}
		if s.scheduler, err = report.NewScheduler(); err != nil {
			return err
		}
	}

	s.tracker = motion.New(motion.Options{
		Config: motion.Config{
			IdleResetThreshold: s.cfg.IdleResetThreshold,
			Cooldown:           s.cfg.Cooldown,
			MinArea:            s.cfg.MinArea,
		},
		Sink:    s.snapshots,
		Metrics: s.metrics,
		OnEvent: s.onMotionEvent,
	})
	return nil
}

// onMotionEvent runs on the tracker goroutine and must not block.
func (s *Server) onMotionEvent(e motion.Event) {
	s.events.Publish(e)

	if e.Kind != motion.EventSnapshot || s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(report.Item{
		Filename:   e.Filename,
		CapturedAt: e.Time,
		Box:        e.Box,
	}); err != nil {
		logger.Warn("Main", "Drop report for %s: %v", e.Filename, err)
	}
}

// Run starts every component and blocks until ctx is cancelled or one of them
// fails. A camera failure ends the relay with an error.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Main", "  Camera: %s (%s)", s.cfg.CameraKind(), cameraTarget(s.cfg))
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", orDisabled(s.cfg.MetricsAddr))
	logger.Info("Main", "  RTSP server: %s", orDisabled(s.cfg.RTSPAddr))
	logger.Info("Main", "  Detection: %s", s.detector.URL())
	if s.tracker != nil {
		logger.Info("Main", "  Snapshots: %s (index %s)", s.snapshots.Dir(), s.cfg.DBPath)
		logger.Info("Main", "  Reports: %s", orDisabled(s.cfg.ReportURL))
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.scheduler != nil {
		if err := s.scheduler.Schedule(ctx, s.reportJob, s.cfg.ReportInterval); err != nil {
			return err
		}
	}

	g.Go(func() error {
		return ignoreCanceled(s.frames.Run(ctx))
	})
	g.Go(func() error {
		return serveHTTP(ctx, "HTTP", s.httpServer)
	})
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveHTTP(ctx, "Metrics", s.metrics.NewServer(s.cfg.MetricsAddr))
		})
	}
	if s.cfg.RTSPAddr != "" {
		rtspServer := rtsp.NewServer(s.cfg.RTSPAddr, s.frames, s.metrics)
		g.Go(func() error {
			return rtspServer.Run(ctx)
		})
	}
	if s.tracker != nil {
		g.Go(func() error {
			sub := s.frames.Subscribe()
			defer sub.Close()
			return ignoreCanceled(s.tracker.Run(ctx, sub))
		})
	}
	if s.scheduler != nil {
		s.scheduler.Start()
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-s.scheduler.Done():
				// Reporting stops but the relay keeps serving.
				logger.Error("Main", "Reporting disabled: %v", s.scheduler.Err())
			}
			return nil
		})
	}

	logger.Info("Main", "Server started successfully")
	return g.Wait()
}

// Close releases every component. Safe to call on a partially built server.
func (s *Server) Close() error {
	var err error
	if s.scheduler != nil {
		err = multierr.Append(err, s.scheduler.Shutdown())
	}
	if s.webrtc != nil {
		err = multierr.Append(err, s.webrtc.Close())
	}
	if s.events != nil {
		s.events.Close()
	}
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	return err
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, name string, srv *http.Server) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Main", "Starting %s server on %s", name, srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Debug("Main", "%s server shutdown: %v", name, err)
		return srv.Close()
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cameraTarget(cfg config.Config) string {
	if cfg.CameraKind() == config.CameraSerial {
		return cfg.SerialPort
	}
	return cfg.VideoPath
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
