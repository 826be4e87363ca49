// Package service assembles a scan loop and the optional recorder, gRPC
// stream and debug routes from a config.Config.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/banshee-data/sweeplidar/internal/config"
	"github.com/banshee-data/sweeplidar/internal/lidar"
	"github.com/banshee-data/sweeplidar/internal/lidar/monitor"
	"github.com/banshee-data/sweeplidar/internal/lidar/recorder"
	"github.com/banshee-data/sweeplidar/internal/lidar/stream"
	"github.com/banshee-data/sweeplidar/internal/monitoring"
	"github.com/banshee-data/sweeplidar/internal/timeutil"
	"github.com/banshee-data/sweeplidar/internal/uart"
)

// Service owns one sensor session and everything that reads from it.
type Service struct {
	cfg      *config.Config
	clock    timeutil.Clock
	factory  uart.Factory
	logger   *zap.Logger
	registry *prometheus.Registry

	ownLogger bool
	listPorts func() ([]string, error)

	session *lidar.DeviceSession
	loop    *lidar.ScanLoop
	store   *recorder.Store
	stream  *stream.Server

	closeOnce sync.Once
	closeErr  error
}

// Option customises a Service.
type Option func(*Service)

// WithFactory replaces the serial port factory.
func WithFactory(f uart.Factory) Option {
	return func(s *Service) { s.factory = f }
}

// WithClock replaces the clock used for backoff, warmup and recording.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger routes the lidar log streams and monitoring.Logf to logger.
// Without it New builds one from cfg.LoggerOptions.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New validates cfg, opens the serial port and prepares the optional
// recorder and stream server. Nothing reads from the port until Run.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Service{
		cfg:      cfg,
		clock:    timeutil.RealClock{},
		factory:  uart.SerialFactory{},
		registry: prometheus.NewRegistry(),

		listPorts: uart.ListPorts,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := monitoring.NewLogger(cfg.LoggerOptions())
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		s.logger = logger
		s.ownLogger = true
	}
	lidar.SetLogWriters(monitoring.Writers(s.logger))
	monitoring.Install(s.logger)

	metrics, err := monitoring.NewMetrics(s.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	lidarOpts := cfg.LidarOptions()
	lidarOpts.Clock = s.clock
	s.session, err = lidar.OpenSession(s.factory, cfg.GetPort(), cfg.PortOptions(), lidarOpts)
	if err != nil {
		return nil, s.withAvailablePorts(err)
	}

	s.loop, err = lidar.NewScanLoop(s.session, lidar.WithObserver(metrics))
	if err != nil {
		s.session.Close()
		return nil, err
	}

	if path := cfg.GetRecordPath(); path != "" {
		s.store, err = recorder.Open(path)
		if err != nil {
			s.session.Close()
			return nil, fmt.Errorf("open recorder: %w", err)
		}
	}

	if addr := cfg.GetStreamAddr(); addr != "" {
		s.stream = stream.NewServer(s.loop, stream.Config{ListenAddr: addr})
	}
	return s, nil
}

// withAvailablePorts appends the host's serial ports to an open failure.
func (s *Service) withAvailablePorts(err error) error {
	if s.listPorts == nil {
		return err
	}
	ports, lerr := s.listPorts()
	if lerr != nil {
		return err
	}
	if len(ports) == 0 {
		return fmt.Errorf("%w (no serial ports found)", err)
	}
	return fmt.Errorf("%w (available: %s)", err, strings.Join(ports, ", "))
}

// Loop returns the scan loop.
func (s *Service) Loop() *lidar.ScanLoop { return s.loop }

// Registry returns the registry the decoder metrics are registered on.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Store returns the recording store, or nil when recording is disabled.
func (s *Service) Store() *recorder.Store { return s.store }

// Stream returns the stream server, or nil when streaming is disabled.
func (s *Service) Stream() *stream.Server { return s.stream }

// AttachAdminRoutes mounts the scan pages and, when recording, the store's
// SQL console and backup routes on mux.
func (s *Service) AttachAdminRoutes(mux *http.ServeMux) error {
	monitor.AttachAdminRoutes(mux, s.loop, s.registry)
	if s.store != nil {
		return s.store.AttachAdminRoutes(mux)
	}
	return nil
}

// Run starts the stream server and recorder, then runs the scan loop until
// ctx is done or a fatal error occurs. Cancellation is not an error.
func (s *Service) Run(ctx context.Context) error {
	if s.stream != nil {
		if err := s.stream.Start(); err != nil {
			return err
		}
		defer s.stream.Stop()
	}

	var (
		wg  sync.WaitGroup
		rec *recorder.Recorder
	)
	recCtx, stopRecording := context.WithCancel(ctx)
	defer stopRecording()
	if s.store != nil {
		var err error
		rec, err = recorder.NewRecorder(ctx, s.store, s.session.Protocol, s.cfg.GetPort(), s.cfg.GetRecordEvery(), s.clock)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Run(recCtx, s.loop); err != nil {
				monitoring.Logf("recorder stopped: %v", err)
			}
		}()
	}

	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	stopRecording()
	wg.Wait()
	if rec != nil {
		// The loop may finish before the recorder subscribes.
		if _, rerr := rec.Record(context.WithoutCancel(ctx), s.loop.Latest(), true); rerr != nil {
			monitoring.Logf("failed to record final snapshot: %v", rerr)
		}
		if cerr := rec.Close(err); cerr != nil {
			monitoring.Logf("failed to close recording run: %v", cerr)
		}
	}
	return err
}

// Close stops the sensor and releases the port and the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.loop.Stop(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("stop sensor: %w", err))
		}
		if err := s.session.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.ownLogger {
			// Sync fails on consoles that do not support fsync.
			_ = s.logger.Sync()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
