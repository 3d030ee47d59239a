// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/halcyonlabs/threadline/pkg/storage/badger"
	"github.com/halcyonlabs/threadline/services/chatd/config"
	"github.com/halcyonlabs/threadline/services/chatd/conversation"
	"github.com/halcyonlabs/threadline/services/chatd/handlers"
	"github.com/halcyonlabs/threadline/services/chatd/observability"
	"github.com/halcyonlabs/threadline/services/chatd/routes"
	"github.com/halcyonlabs/threadline/services/chatd/store"
	"github.com/halcyonlabs/threadline/services/llm"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	// No endpoint means no exporter; tracer calls fall through to the
	// global no-op provider.
	if endpoint == "" {
		slog.Info("OTLP endpoint not configured, trace export disabled")
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("chatd-service")))
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

func newLLMClient(backend string) (llm.LLMClient, error) {
	switch backend {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		return llm.NewOpenAIClient()
	case "anthropic":
		slog.Info("Using Anthropic LLM backend")
		return llm.NewAnthropicClient()
	default:
		slog.Info("Using Ollama LLM backend")
		return llm.NewOllamaClient()
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("THREADLINE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cleanup, err := initTracer(cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	dbCfg := badger.DefaultConfig(cfg.Storage.Path)
	dbCfg.InMemory = cfg.Storage.InMemory
	dbCfg.SyncWrites = cfg.Storage.SyncWrites
	db, err := badger.Open(dbCfg)
	if err != nil {
		log.Fatalf("failed to open thread store: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close thread store", "error", err)
		}
	}()

	llmClient, err := newLLMClient(cfg.LLM.Backend)
	if err != nil {
		log.Fatalf("failed to initialize LLM client: %v", err)
	}

	threadStore := store.NewBadgerStore(db, cfg.LLM.SystemPrompt)
	svc := conversation.NewService(threadStore, llmClient, cfg.LLM.SystemPrompt, llm.GenerationParams{})
	index := conversation.NewThreadIndex(threadStore)
	h := handlers.NewHandler(svc, index)

	defer conversation.PurgeSecureMemory()

	router := gin.Default()
	router.Use(otelgin.Middleware("chatd-service"))
	routes.SetupRoutes(router, h)

	slog.Info("Starting chatd", "port", cfg.Server.Port, "backend", cfg.LLM.Backend)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}
