// Package app assembles the transcription service from configuration and runs
// its HTTP, gRPC and metrics listeners until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	grpcapi "live-transcription-service/internal/api/grpc"
	"live-transcription-service/internal/api/ws"
	"live-transcription-service/internal/config"
	"live-transcription-service/internal/events"
	apphttp "live-transcription-service/internal/http"
	"live-transcription-service/internal/observability"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
	"live-transcription-service/internal/service/audio"
	"live-transcription-service/internal/service/continuity"
	"live-transcription-service/internal/service/dispatch"
	"live-transcription-service/internal/service/merge"
	"live-transcription-service/internal/service/session"
	"live-transcription-service/internal/service/stt"
	"live-transcription-service/internal/service/stt/google"
	"live-transcription-service/internal/service/stt/httpapi"
	"live-transcription-service/internal/service/stt/mock"
	"live-transcription-service/internal/service/vad"
	"live-transcription-service/internal/store"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	pool        *dispatch.Pool
	publisher   *events.Publisher
	store       *store.Store
	controller  *session.Controller
	httpServer  *http.Server
	grpcServer  *grpcapi.Server
	obsServer   *observability.Server
	grpcAddress string
}

// New constructs the application: it initializes logging and builds every
// component, but opens no listeners.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}

	pcfg, err := pipelineConfig(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(ctx, cfg.STT)
	if err != nil {
		return nil, err
	}
	a.pool = dispatch.NewPool(backend, dispatch.PoolConfig{
		MaxConcurrent: cfg.STT.MaxConcurrent,
		CallTimeout:   cfg.STT.CallTimeout,
	}, metrics.DefaultMetrics)

	a.publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		TopicSession: cfg.Kafka.TopicSession,
		Principal:    cfg.Kafka.Principal,
	})

	// Interface values stay nil when persistence is disabled.
	var (
		sessionStore session.Store
		transcripts  apphttp.Transcripts
	)
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			a.pool.Close(context.Background())
			return nil, fmt.Errorf("open transcript store: %w", err)
		}
		a.store = st
		sessionStore = st
		transcripts = st
	}

	a.controller = session.NewController(pcfg, a.pool, a.publisher, sessionStore, metrics.DefaultMetrics)

	stream := ws.NewHandler(ws.Config{
		MaxFrameBytes:     cfg.Limits.MaxFrameBytes,
		FramesPerSecond:   cfg.Limits.FramesPerSecond,
		FrameBurst:        cfg.Limits.FrameBurst,
		OutboundQueueSize: cfg.Limits.OutboundQueueSize,
	}, a.controller, metrics.DefaultMetrics)

	a.StartupTime = time.Now().UTC()
	a.httpServer = &http.Server{
		Addr: ":" + cfg.Service.HTTPPort,
		Handler: apphttp.NewRouter(apphttp.Deps{
			Stream:      stream,
			Sessions:    a.controller,
			Transcripts: transcripts,
			StartupTime: a.StartupTime,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.grpcServer = grpcapi.NewServer(metrics.DefaultMetrics)
	a.grpcAddress = ":" + cfg.Service.GRPCPort
	a.obsServer = observability.NewServer(":"+cfg.Observability.MetricsPort, nil, a.controller.Ready)

	a.Logger.Info().
		Str("sttProvider", backend.Name()).
		Bool("kafkaEnabled", a.publisher.Enabled()).
		Bool("storeEnabled", a.store != nil).
		Int("maxSessions", pcfg.MaxSessions).
		Msg("Live transcription service application created")
	return a, nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.grpcAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.grpcAddress, err)
	}

	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("httpAddr", a.httpServer.Addr).
		Str("grpcAddr", a.grpcAddress).
		Msg("Live transcription service starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.grpcServer.Serve(lis)
	})
	g.Go(a.obsServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// Shutdown stops taking traffic, finalizes live sessions and releases
// resources. It is bounded by the configured shutdown timeout.
func (a *Application) Shutdown() error {
	a.Logger.Info().Int("activeSessions", a.controller.Count()).Msg("Live transcription service shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.Cfg.Service.ShutdownTimeout)
	defer cancel()

	a.grpcServer.SetServing(false)

	var errs []error
	// Sessions finalize first so their last events reach open sockets.
	if err := a.controller.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("finalize sessions: %w", err))
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	a.grpcServer.GracefulStop()
	if err := a.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close dispatch pool: %w", err))
	}
	if err := a.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := a.obsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}

	a.Logger.Info().Dur("uptime", time.Since(a.StartupTime)).Msg("Shutdown complete")
	return errors.Join(errs...)
}

func newBackend(ctx context.Context, cfg config.STTConfig) (stt.Backend, error) {
	switch cfg.Provider {
	case "", "mock":
		mc := mock.DefaultConfig()
		mc.Latency = cfg.MockLatency
		return mock.New(mc), nil
	case "google":
		return google.New(ctx, google.Config{
			LanguageCode:  cfg.LanguageCode,
			SampleRateHz:  cfg.SampleRateHz,
			AudioEncoding: cfg.AudioEncoding,
			Model:         cfg.Model,
			Punctuation:   cfg.Punctuation,
		})
	case "http":
		return httpapi.New(httpapi.Config{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Timeout:  cfg.CallTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

func pipelineConfig(cfg *config.Config) (session.Config, error) {
	p := cfg.Pipeline
	sens, err := vad.ParseSensitivity(p.VADSensitivity)
	if err != nil {
		return session.Config{}, err
	}
	format := audio.Format{SampleRateHz: cfg.STT.SampleRateHz, Channels: cfg.STT.Channels}
	if err := format.Validate(); err != nil {
		return session.Config{}, fmt.Errorf("default audio format: %w", err)
	}

	vc := vad.DefaultConfig()
	vc.Sensitivity = sens
	vc.MinConfidence = p.VADMinConfidence
	vc.MinWindow = p.WindowMin
	vc.MaxWindow = p.WindowMax

	return session.Config{
		Format: format,
		Tracker: continuity.Config{
			ReorderWindow:     p.ReorderWindow,
			RetransmitTimeout: p.RetransmitTimeout,
			MaxPending:        p.MaxPendingFrames,
		},
		VAD: vc,
		Dispatch: dispatch.Config{
			MinSpeech:    p.MinSpeech,
			MaxWait:      p.MaxWait,
			MaxChunk:     p.MaxChunk,
			EndSilence:   p.EndSilence,
			Overlap:      p.Overlap,
			MaxAttempts:  p.MaxAttempts,
			BackoffBase:  p.BackoffBase,
			BackoffMax:   p.BackoffMax,
			LanguageCode: cfg.STT.LanguageCode,
		},
		Merge: merge.Config{
			SettleWindow:       p.SettleWindow,
			MaxSegmentDuration: p.MaxSegmentDuration,
		},
		QueueSize:         cfg.Limits.QueueSize,
		EnqueueTimeout:    cfg.Limits.EnqueueTimeout,
		OutboundQueueSize: cfg.Limits.OutboundQueueSize,
		TickInterval:      p.TickInterval,
		FinalizeTimeout:   p.FinalizeTimeout,
		ReconnectGrace:    p.ReconnectGrace,
		MaxSessions:       cfg.Limits.MaxSessions,
	}, nil
}
