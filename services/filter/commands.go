// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/tracegate/tracegate/pkg/logging"
	"github.com/tracegate/tracegate/services/filter/handlers"
	"github.com/tracegate/tracegate/services/filter/langfuse"
	"github.com/tracegate/tracegate/services/filter/observability"
	"github.com/tracegate/tracegate/services/filter/routes"
	"github.com/tracegate/tracegate/services/filter/ttl"
	"github.com/tracegate/tracegate/services/filter/valves"
)

const serviceName = "filter-service"

var (
	rootCmd = &cobra.Command{
		Use:   "tracegate",
		Short: "Trace correlation filter for chat pipelines",
		Long: `Tracegate sits between a chat pipeline host and a Langfuse
backend: it intercepts the inlet and outlet of every chat turn,
correlates them by conversation, and records traces, input spans,
and usage-tagged generations.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the filter HTTP service",
		Run:   runServe,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configured Langfuse credentials and exit",
		Run:   runCheck,
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

// initTracer wires the service's own spans to an OTLP collector.
func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "localhost:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
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

func runServe(cmd *cobra.Command, args []string) {
	v, err := valves.Load()
	if err != nil {
		log.Fatalf("Failed to load valves: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   v.LogLevel(),
		Service: serviceName,
		JSON:    true,
	})
	slog.SetDefault(logger.Slog())

	metrics := observability.InitMetrics()

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	filter := handlers.NewFilter(v, logger, metrics)
	filter.Start(ctx)

	reaper := ttl.NewReaper(filter.Correlator(), logger, ttl.ReaperConfig{
		MaxIdle:  v.PendingTurnTTL,
		OnReaped: metrics.RecordReaped,
	})
	if err := reaper.Start(ctx); err != nil {
		log.Fatalf("Failed to start the conversation reaper: %v", err)
	}
	defer reaper.Stop()

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, filter)

	srv := &http.Server{
		Addr:              ":" + v.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting the filter server", "port", v.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		filter.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	if v.ValvesFile != "" {
		g.Go(func() error {
			err := valves.Watch(gctx, v.ValvesFile, logger, func(next *valves.Valves) {
				filter.ApplyValves(gctx, next)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Failed to run server: %v", err)
	}
	logger.Info("filter server stopped")
}

func runCheck(cmd *cobra.Command, args []string) {
	v, err := valves.Load()
	if err != nil {
		log.Fatalf("Failed to load valves: %v", err)
	}

	logger := logging.New(logging.Config{Level: v.LogLevel(), Service: serviceName})
	client := langfuse.NewClient(langfuse.FromValves(v, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.AuthCheck(ctx); err != nil {
		logger.Error("auth check failed", "host", v.Host, "error", err)
		os.Exit(1)
	}
	logger.Info("auth check passed", "host", v.Host)
}
