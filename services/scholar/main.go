// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianScholar/services/llm"
	"github.com/AleutianAI/AleutianScholar/services/scholar/archive"
	"github.com/AleutianAI/AleutianScholar/services/scholar/observability"
	"github.com/AleutianAI/AleutianScholar/services/scholar/pipeline"
	"github.com/AleutianAI/AleutianScholar/services/scholar/retrieval"
	"github.com/AleutianAI/AleutianScholar/services/scholar/routes"
	"github.com/AleutianAI/AleutianScholar/services/scholar/safety"
	"github.com/AleutianAI/AleutianScholar/services/scholar/scheduler"
	"github.com/AleutianAI/AleutianScholar/services/scholar/state"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "scholar-otel-collector:4317"
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
		resource.WithAttributes(semconv.ServiceNameKey.String("scholar-service")))
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

// newLLMClient picks the generator backend from LLM_BACKEND_TYPE.
func newLLMClient() (llm.LLMClient, string, error) {
	switch backend := os.Getenv("LLM_BACKEND_TYPE"); backend {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		client, err := llm.NewOpenAIClient()
		return client, "openai", err
	case "ollama":
		slog.Info("Using Ollama LLM backend")
		client, err := llm.NewOllamaClient()
		return client, "ollama", err
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
		client, err := llm.NewOllamaClient()
		return client, "ollama", err
	}
}

// newRetriever picks the evidence backend: a dense snippet index over HTTP
// by default, or Weaviate when WEAVIATE_SERVICE_URL is set.
func newRetriever() retrieval.Retriever {
	weaviateURL := strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' ")
	if weaviateURL != "" && strings.Contains(weaviateURL, "http") {
		parsedURL, err := url.Parse(weaviateURL)
		if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
			slog.Warn("WEAVIATE_SERVICE_URL is invalid, falling back to the snippet index",
				"url", weaviateURL, "error", err)
		} else {
			client, err := weaviate.NewClient(weaviate.Config{
				Host:   parsedURL.Host,
				Scheme: parsedURL.Scheme,
			})
			if err != nil {
				slog.Error("Failed to create Weaviate client, falling back to the snippet index", "error", err)
			} else {
				slog.Info("Using Weaviate retrieval backend", "host", parsedURL.Host)
				return retrieval.NewWeaviateRetriever(client)
			}
		}
	}

	indexURL := os.Getenv("SNIPPET_INDEX_URL")
	if indexURL == "" {
		indexURL = "http://scholar-snippet-index:8000"
		slog.Warn("SNIPPET_INDEX_URL not set, using default", "url", indexURL)
	}
	return retrieval.NewSnippetIndexClient(indexURL, os.Getenv("SNIPPET_INDEX_DOMAIN"))
}

// newSink picks the trace archival backend: GCS when a bucket is
// configured, a local directory otherwise.
func newSink(ctx context.Context) archive.Sink {
	if bucket := os.Getenv("TRACE_GCS_BUCKET"); bucket != "" {
		sink, err := archive.NewGCSSink(ctx, bucket, "traces", os.Getenv("TRACE_GCS_SA_KEY"))
		if err != nil {
			slog.Error("Failed to create GCS trace sink, traces will be kept locally", "error", err)
		} else {
			return sink
		}
	}
	dir := os.Getenv("TRACE_DIR")
	if dir == "" {
		dir = "/data/scholar/traces"
	}
	sink, err := archive.NewDirSink(dir)
	if err != nil {
		slog.Error("Failed to create local trace sink, archival disabled", "dir", dir, "error", err)
		return archive.NopSink{}
	}
	return sink
}

func main() {
	port := os.Getenv("SCHOLAR_PORT")
	if port == "" {
		port = "12230"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	metrics := observability.InitMetrics()

	stateDir := os.Getenv("SCHOLAR_STATE_DIR")
	if stateDir == "" {
		stateDir = "/data/scholar/state"
		slog.Warn("SCHOLAR_STATE_DIR not set, using default", "dir", stateDir)
	}
	store, err := state.Open(state.DefaultConfig(stateDir))
	if err != nil {
		log.Fatalf("FATAL: could not open the task state store: %v", err)
	}
	defer store.Close()

	log.Println("Configuring the LLM Client")
	llmClient, backend, err := newLLMClient()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	var moderator safety.Moderator
	if m := safety.NewOpenAIModerator(); m != nil {
		moderator = m
	} else {
		slog.Warn("OPENAI_API_KEY not set, moderation screening disabled")
	}
	screener, err := safety.NewScreener(moderator)
	if err != nil {
		log.Fatalf("FATAL: could not initialize the query screener: %v", err)
	}

	rerankerURL := os.Getenv("RERANKER_URL")
	if rerankerURL == "" {
		rerankerURL = "http://scholar-reranker:8001"
		slog.Warn("RERANKER_URL not set, using default", "url", rerankerURL)
	}

	biblioURL := os.Getenv("BIBLIO_API_URL")
	if biblioURL == "" {
		biblioURL = "https://api.semanticscholar.org/graph/v1"
	}
	biblio := retrieval.NewBiblioClient(biblioURL, os.Getenv("BIBLIO_API_KEY"))

	controller := &pipeline.Controller{
		LLM:       llmClient,
		Retriever: newRetriever(),
		Reranker:  retrieval.NewCrossEncoderClient(rerankerURL),
		Biblio:    biblio,
		Screener:  screener,
		Store:     store,
		Sink:      newSink(context.Background()),
		Metrics:   metrics,
		Backend:   backend,
		Cfg:       pipeline.ConfigFromEnv(),
	}

	sched := &scheduler.Scheduler{
		Store:   store,
		Runner:  controller,
		Metrics: metrics,
		Timeout: scheduler.DefaultTimeout,
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("scholar-service"))

	routes.SetupRoutes(router, sched, biblio)

	log.Println("Starting the scholar server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
