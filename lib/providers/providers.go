package providers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/onkernel/shim/cmd/shim/config"
	"github.com/onkernel/shim/lib/logger"
	"github.com/onkernel/shim/lib/otel"
	"github.com/onkernel/shim/lib/payload"
	"github.com/onkernel/shim/lib/payload/elfimage"
)

// ProvideConfig provides the validated application configuration
func ProvideConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProvideTelemetry initializes OpenTelemetry. Failing to reach the collector
// is not fatal: the shim degrades to no telemetry.
func ProvideTelemetry(cfg *config.Config) (*otel.Provider, func()) {
	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}

	p, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
		otelCfg.Enabled = false
		p, _ = otel.Init(context.Background(), otelCfg)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Warn("error shutting down OpenTelemetry", "error", err)
		}
	}
	return p, cleanup
}

// ProvideLogger provides a structured logger. Records go to stderr so that
// they never interleave with the launched program's stdout, and to the OTel
// log bridge when telemetry is enabled.
func ProvideLogger(cfg *config.Config, telemetry *otel.Provider) *slog.Logger {
	// Validated by ProvideConfig.
	level, _ := logger.ParseLevel(cfg.LogLevel)

	stderr := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	log := slog.New(logger.NewFanoutHandler(stderr, telemetry.LogHandler))
	slog.SetDefault(log)
	return log
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePayloadMetrics creates the payload metrics and installs them globally.
func ProvidePayloadMetrics(telemetry *otel.Provider) (*payload.Metrics, error) {
	m, err := payload.NewMetrics(telemetry.MeterFor("shim/payload"))
	if err != nil {
		return nil, err
	}
	payload.SetMetrics(m)
	return m, nil
}

// ProvideImageOptions provides the options used to open payload images
func ProvideImageOptions(cfg *config.Config) ([]elfimage.Option, error) {
	maxSize, err := cfg.MaxImageSizeBytes()
	if err != nil {
		return nil, err
	}
	return []elfimage.Option{elfimage.WithMaxSize(maxSize)}, nil
}
