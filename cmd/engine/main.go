// Command engine wires the nine orchestration-core components into a
// runnable document-processing pipeline, demonstrating how an embedder
// assembles a Registry, AgentRunner, and Orchestrator and drives a single
// pipeline run end to end.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/itsneelabh/paperflow/agentrunner"
	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/core"
	"github.com/itsneelabh/paperflow/memorystore"
	"github.com/itsneelabh/paperflow/pipeline"
	"github.com/itsneelabh/paperflow/ratelimiter"
	"github.com/itsneelabh/paperflow/retrypolicy"
	"github.com/itsneelabh/paperflow/stagegraph"
	"github.com/itsneelabh/paperflow/taskstore"
	"github.com/itsneelabh/paperflow/telemetry"
)

func main() {
	logger := &core.NoOpLogger{}

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		provider, err := telemetry.NewOTelProvider("paperflow-engine", endpoint, logger)
		if err != nil {
			log.Printf("telemetry disabled, falling back to no-op: %v", err)
		} else {
			tel = provider
			defer provider.Shutdown(context.Background())
		}
	}

	engineCfg, err := pipeline.NewEngineConfig(
		pipeline.WithRateLimits("internal-ocr", ratelimiter.Limits{PerSecond: 5, PerMinute: 200}),
		pipeline.WithRateLimits("internal-llm", ratelimiter.Limits{PerSecond: 2, PerMinute: 60}),
		pipeline.WithRetryPolicy("ingest", retrypolicy.Policy{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, Multiplier: 2, Jitter: 0.2}),
		pipeline.WithBreakerConfig("ingest", breaker.Config{FailureThreshold: 5, OpenDuration: 30 * time.Second}),
	)
	if err != nil {
		log.Fatalf("load engine config: %v", err)
	}

	tasks := taskstore.NewInMemoryStore(nil)
	memory := memorystore.NewInMemoryStore(nil)
	limiter := ratelimiter.New(engineCfg.RateLimits, nil)
	cb := breaker.New(engineCfg.BreakerConfigs, nil)

	runner := agentrunner.New(agentrunner.Config{
		Limiter:   limiter,
		Breaker:   cb,
		Tasks:     tasks,
		Memory:    memory,
		Logger:    logger,
		Telemetry: tel,
	})

	registry := pipeline.NewRegistry()
	registry.RegisterAgent("ingest", agentrunner.Capability{
		Kind:     "ingest",
		Provider: "internal-ocr",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte("extracted text from " + string(input)), nil
		},
	})
	registry.RegisterAgent("summarize", agentrunner.Capability{
		Kind:     "summarize",
		Provider: "internal-llm",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte("summary of: " + string(input)), nil
		},
	})

	graph := stagegraph.NewStageGraph()
	graph.AddStage(stagegraph.StageNode{StageID: "ingest", AgentKind: "ingest", OnFailure: stagegraph.Abort})
	graph.AddStage(stagegraph.StageNode{StageID: "summarize", AgentKind: "summarize", Dependencies: []string{"ingest"}, OnFailure: stagegraph.Abort})
	if err := graph.Validate(); err != nil {
		log.Fatalf("invalid stage graph: %v", err)
	}

	bus := pipeline.NewProgressBus(nil)
	checkpoints := pipeline.NewInMemoryCheckpointStore()
	orch := pipeline.NewOrchestrator(registry, runner, bus, checkpoints, logger, tel)

	ctx := context.Background()
	result, err := orch.Run(ctx, pipeline.PipelineConfig{
		PipelineID: "demo-pipeline-1",
		UserID:     "demo-user",
		Graph:      graph,
		InputProjection: func(stageID string, upstream map[string][]byte) []byte {
			if stageID == "ingest" {
				return []byte("document-bytes")
			}
			return upstream["ingest"]
		},
	})
	if err != nil {
		log.Fatalf("pipeline run failed: %v", err)
	}

	log.Printf("pipeline %s finished with status %s", result.PipelineID, result.Status)
	for _, stage := range result.Stages {
		log.Printf("  stage %-10s %-10s result=%q", stage.StageID, stage.Status, string(stage.Result))
	}
}
