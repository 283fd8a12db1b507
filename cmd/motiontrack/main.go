// Command motiontrack runs the motion tracker directly on the camera without the
// HTTP relay. It is meant for tuning the tracker on a device.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LucaChen/stream-client/internal/camera"
	"github.com/LucaChen/stream-client/internal/config"
	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/motion"
	"github.com/LucaChen/stream-client/internal/snapshot"
	"github.com/LucaChen/stream-client/internal/store"
	"github.com/LucaChen/stream-client/internal/vision"
	"github.com/LucaChen/stream-client/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "motiontrack",
		Usage: "run the motion tracker on the camera",
		Flags: append(config.Flags(),
			&cli.StringFlag{Name: "preview", Usage: "write an annotated JPEG of the latest frame to this path"},
			&cli.DurationFlag{Name: "preview-interval", Value: time.Second, Usage: "minimum time between preview writes"},
		),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("motiontrack: %v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.FromContext(c)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	defer logger.Close()

	m := metrics.New()
	src, err := camera.New(cfg, m)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	snaps, err := snapshot.New(snapshot.Config{Dir: cfg.CaptureDir, MaxSnapshots: cfg.MaxSnapshots}, db, m)
	if err != nil {
		return multierr.Append(err, db.Close())
	}

	tracker := motion.New(motion.Options{
		Config: motion.Config{
			IdleResetThreshold: cfg.IdleResetThreshold,
			Cooldown:           cfg.Cooldown,
			MinArea:            cfg.MinArea,
		},
		Sink:    snaps,
		Metrics: m,
		OnEvent: func(e motion.Event) {
			switch e.Kind {
			case motion.EventSnapshot:
				logger.Info("Main", "Snapshot %s (box %v)", e.Filename, e.Box)
			default:
				logger.Info("Main", "%s: state=%s box=%v area=%.0f", e.Kind, e.State, e.Box, e.Area)
			}
		},
	})

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := m.NewServer(cfg.MetricsAddr)
		g.Go(func() error {
			logger.Info("Main", "Starting metrics server on %s", cfg.MetricsAddr)
			return srv.ListenAndServe()
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		return loop(ctx, src, tracker, c.String("preview"), c.Duration("preview-interval"))
	})

	err = g.Wait()
	closeErr := src.Close()
	if errors.Is(closeErr, camera.ErrClosed) {
		closeErr = nil
	}
	err = multierr.Combine(ignoreShutdown(err), tracker.Close(), closeErr, db.Close())
	if err == nil {
		logger.Info("Main", "Tracker stopped (%d frames)", tracker.Status().Frames)
	}
	return err
}

// loop drives the tracker one frame at a time so previews see the same frame.
func loop(ctx context.Context, src camera.Source, tracker *motion.Tracker, preview string, every time.Duration) error {
	if err := src.Open(ctx); err != nil {
		return err
	}
	logger.Info("Main", "Camera open, tracking...")

	sometimes := rate.Sometimes{Interval: every}
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read camera: %w", err)
		}

		tracker.Step(frame)
		if preview != "" {
			sometimes.Do(func() {
				if err := writePreview(preview, frame, tracker); err != nil {
					logger.Warn("Main", "Preview: %v", err)
				}
			})
		}
		frame.Close()
	}
}

func writePreview(path string, frame *types.Frame, tracker *motion.Tracker) error {
	img := frame.Image.Clone()
	defer img.Close()

	if box, ok := tracker.Box(); ok {
		vision.DrawTrack(&img, box)
	}
	jpg, err := vision.EncodeJPEG(img)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".preview-*.jpg")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(jpg); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ignoreShutdown(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
