// Package worker evaluates submitted transcripts asynchronously from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go4it/credeval/internal/domain"
)

// Evaluator runs one evaluation of a stored transcript.
type Evaluator interface {
	Evaluate(ctx context.Context, transcriptID string) (*domain.Evaluation, error)
}

// Worker consumes transcript.submitted events and evaluates each transcript.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	jobs          chan domain.TranscriptEvent
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of concurrent evaluations
	WorkerCount int

	// QueueSize bounds the number of accepted but unstarted jobs
	QueueSize int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to transcript.submitted and launches the worker pool.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerCount * 16
	}

	w.jobs = make(chan domain.TranscriptEvent, cfg.QueueSize)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTranscriptSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}

	slog.Info("workers started",
		"worker_count", cfg.WorkerCount,
		"topic", domain.TopicTranscriptSubmitted,
	)
	return nil
}

// handleMessage parses the event and hands it to the pool.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var ev domain.TranscriptEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		slog.Error("failed to parse transcript event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	select {
	case w.jobs <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.jobs:
			w.process(w.ctx, ev)
		}
	}
}

// process evaluates one transcript.
func (w *Worker) process(ctx context.Context, ev domain.TranscriptEvent) {
	start := time.Now()

	eval, err := w.evaluator.Evaluate(ctx, ev.TranscriptID)
	if err != nil {
		var busy *domain.ConcurrentEvaluationError
		if errors.As(err, &busy) {
			w.skipped.Add(1)
			slog.Info("transcript already being evaluated",
				"transcript_id", ev.TranscriptID,
			)
			return
		}
		w.failed.Add(1)
		slog.Error("async evaluation failed",
			"transcript_id", ev.TranscriptID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	slog.Info("transcript processed",
		"transcript_id", ev.TranscriptID,
		"evaluation_id", eval.ID,
		"version", eval.Version,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Skipped           int64    `json:"skipped"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Skipped:           w.skipped.Load(),
	}
}
