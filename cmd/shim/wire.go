//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/shim/cmd/shim/config"
	"github.com/onkernel/shim/lib/otel"
	"github.com/onkernel/shim/lib/payload"
	"github.com/onkernel/shim/lib/payload/elfimage"
	"github.com/onkernel/shim/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx            context.Context
	Logger         *slog.Logger
	Config         *config.Config
	Telemetry      *otel.Provider
	PayloadMetrics *payload.Metrics
	ImageOptions   []elfimage.Option
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePayloadMetrics,
		providers.ProvideImageOptions,
		wire.Struct(new(application), "*"),
	))
}
