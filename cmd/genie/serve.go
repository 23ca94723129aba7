// Copyright (C) 2026 Genie Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials/insecure"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/VaDeloitte/genie/pkg/config"
	"github.com/VaDeloitte/genie/pkg/logging"
	"github.com/VaDeloitte/genie/services/chat/attachments"
	"github.com/VaDeloitte/genie/services/chat/cache"
	"github.com/VaDeloitte/genie/services/chat/clients"
	"github.com/VaDeloitte/genie/services/chat/handlers"
	"github.com/VaDeloitte/genie/services/chat/observability"
	"github.com/VaDeloitte/genie/services/chat/orchestrator"
	"github.com/VaDeloitte/genie/services/chat/persist"
	"github.com/VaDeloitte/genie/services/chat/routes"
)

const shutdownTimeout = 10 * time.Second

func initTracer(cfg config.TracerConfig) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildCompleter picks the completion transport from configuration.
func buildCompleter(cfg config.BackendsConfig, httpClient *http.Client) clients.Completer {
	if cfg.Provider == "openai" {
		slog.Info("using OpenAI-compatible completion backend")
		return clients.NewOpenAICompletionClient(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	}
	slog.Info("using gateway completion backend", "url", cfg.ChatURL)
	return clients.NewCompletionClient(cfg.ChatURL, httpClient)
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Setup(cfg.Logger.Level, cfg.Logger.Format)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Init the tracer ---
	if cfg.Tracer.Enabled {
		cleanup, err := initTracer(cfg.Tracer)
		if err != nil {
			return fmt.Errorf("setup OTLP tracer: %w", err)
		}
		defer cleanup(context.Background())
	}

	// Outbound credentials ride every backend call through the shared
	// transport.
	creds := clients.Credentials{
		BearerToken: func() string { return cfg.Backends.BearerToken },
		XSRFToken:   func() string { return cfg.Backends.XSRFToken },
	}
	httpClient := &http.Client{
		Transport: clients.NewAuthTransport(http.DefaultTransport, creds),
	}

	// Conversation state: single-slot cache with background sweeper,
	// reconciled against the store by the persister.
	conversationCache := cache.NewConversationCache(cache.SystemClock())
	conversationCache.StartSweeper(ctx)
	persister := persist.NewPersister(clients.NewStoreClient(cfg.Backends.StoreURL, httpClient), conversationCache)

	registry, err := attachments.NewRegistry(attachments.Config{
		Path:     cfg.Attachments.Dir,
		InMemory: cfg.Attachments.InMemory,
	})
	if err != nil {
		return fmt.Errorf("open attachment registry: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			slog.Error("failed to close attachment registry", "error", err)
		}
	}()

	manager := handlers.NewSessionManager(orchestrator.Deps{
		Augmenter: clients.NewAugmentClient(cfg.Backends.AugmentURL, httpClient),
		Completer: buildCompleter(cfg.Backends, httpClient),
		Saver:     persister,
		Registry:  registry,
	}, persister)

	uploader := clients.NewUploadClient(cfg.Backends.UploadURL, httpClient)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Tracer.ServiceName))

	routes.SetupRoutes(router, handlers.NewTurnHandler(manager), uploader, registry, cfg.Server.AuthToken)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting chat service", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down chat service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
