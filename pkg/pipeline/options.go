package pipeline

import (
	"context"
	"time"

	"github.com/psantana5/media-pipeline/pkg/config"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/retry"
	"github.com/psantana5/media-pipeline/pkg/tracing"
)

// Recorder receives engine metrics
type Recorder interface {
	ObserveStage(stage, outcome string, d time.Duration)
	IncRetry(stage string)
	AddInFlight(stage string, delta int)
	IncExecution(status string)
	IncBestEffortFailure(op string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, string, time.Duration) {}
func (nopRecorder) IncRetry(string)                            {}
func (nopRecorder) AddInFlight(string, int)                    {}
func (nopRecorder) IncExecution(string)                        {}
func (nopRecorder) IncBestEffortFailure(string)                {}

// Notifier receives one terminal event per finished execution
type Notifier interface {
	Notify(ctx context.Context, ev models.TerminalEvent) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, ev models.TerminalEvent) error

func (f NotifierFunc) Notify(ctx context.Context, ev models.TerminalEvent) error {
	return f(ctx, ev)
}

// Chunking is forwarded to the chunk and merge workers as chunk_config
type Chunking struct {
	ChunkDuration       int
	OverlapDuration     int
	MinChunkDuration    int
	SimilarityThreshold float64
}

// Options configures an Engine
type Options struct {
	StateMachine string
	Timeout      time.Duration

	DiarizeConcurrency    int
	TranscribeConcurrency int
	// SharedLimit caps in-flight fan-out items across all executions; zero disables it
	SharedLimit int

	Chunking     Chunking
	OutputBucket string

	// Retry returns the policy for a worker name
	Retry func(worker string) retry.Config
	// NotifyRetry governs terminal event delivery
	NotifyRetry retry.Config

	Notifier Notifier
	Recorder Recorder
	Tracer   *tracing.Provider
	Logger   *logging.Logger
	Now      func() time.Time
}

// OptionsFromConfig maps daemon configuration onto engine options
func OptionsFromConfig(cfg *config.Config) Options {
	p := cfg.Pipeline
	return Options{
		StateMachine:          p.StateMachine,
		Timeout:               p.Timeout,
		DiarizeConcurrency:    p.DiarizeConcurrency,
		TranscribeConcurrency: p.TranscribeConcurrency,
		SharedLimit:           p.SharedWorkerLimit,
		Chunking: Chunking{
			ChunkDuration:       p.Chunking.ChunkDuration,
			OverlapDuration:     p.Chunking.OverlapDuration,
			MinChunkDuration:    p.Chunking.MinChunkDuration,
			SimilarityThreshold: p.Chunking.SimilarityThreshold,
		},
		OutputBucket: p.OutputBucket,
		Retry:        cfg.RetryFor,
	}
}

func (o *Options) setDefaults() {
	if o.StateMachine == "" {
		o.StateMachine = "meeting-analysis"
	}
	if o.Timeout <= 0 {
		o.Timeout = 6 * time.Hour
	}
	if o.DiarizeConcurrency <= 0 {
		o.DiarizeConcurrency = 5
	}
	if o.TranscribeConcurrency <= 0 {
		o.TranscribeConcurrency = 10
	}
	if o.Chunking == (Chunking{}) {
		o.Chunking = Chunking{ChunkDuration: 480, OverlapDuration: 30, MinChunkDuration: 60, SimilarityThreshold: 0.75}
	}
	if o.Retry == nil {
		o.Retry = func(string) retry.Config { return retry.DefaultConfig() }
	}
	if o.NotifyRetry.MaxRetries == 0 && o.NotifyRetry.InitialBackoff == 0 {
		o.NotifyRetry = retry.Config{MaxRetries: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second, Multiplier: 2}
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Tracer == nil {
		o.Tracer = tracing.NewProvider(o.StateMachine)
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}
