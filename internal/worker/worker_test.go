package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go4it/credeval/internal/bus"
	"github.com/go4it/credeval/internal/domain"
)

type fakeEvaluator struct {
	mu    sync.Mutex
	calls []string
	err   map[string]error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, transcriptID string) (*domain.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, transcriptID)
	if err := f.err[transcriptID]; err != nil {
		return nil, err
	}
	return &domain.Evaluation{ID: "ev-" + transcriptID, TranscriptID: transcriptID, Version: 1}, nil
}

func (f *fakeEvaluator) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func publish(t *testing.T, b domain.EventBus, transcriptID string) {
	t.Helper()
	payload, _ := json.Marshal(domain.TranscriptEvent{TranscriptID: transcriptID, SystemID: "uk_alevel"})
	if err := b.Publish(context.Background(), domain.TopicTranscriptSubmitted, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeEvaluator{})

		if err := w.Start(Config{WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicTranscriptSubmitted {
			t.Errorf("unexpected topic %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("EvaluatesSubmittedTranscripts", func(t *testing.T) {
		eval := &fakeEvaluator{}
		w := NewWorker(eventBus, eval)
		if err := w.Start(Config{WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, "tr-1")
		publish(t, eventBus, "tr-2")

		waitFor(t, func() bool { return w.GetStats().Processed == 2 })

		calls := eval.called()
		if len(calls) != 2 {
			t.Fatalf("expected 2 evaluations, got %v", calls)
		}
	})

	t.Run("CountsFailuresAndSkips", func(t *testing.T) {
		eval := &fakeEvaluator{err: map[string]error{
			"tr-busy":    &domain.ConcurrentEvaluationError{TranscriptID: "tr-busy"},
			"tr-missing": errors.New("not found"),
		}}
		w := NewWorker(eventBus, eval)
		if err := w.Start(Config{WorkerCount: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publish(t, eventBus, "tr-busy")
		publish(t, eventBus, "tr-missing")

		waitFor(t, func() bool {
			s := w.GetStats()
			return s.Skipped == 1 && s.Failed == 1
		})
		if s := w.GetStats(); s.Processed != 0 {
			t.Errorf("expected 0 processed, got %d", s.Processed)
		}
	})

	t.Run("IgnoresMalformedPayload", func(t *testing.T) {
		eval := &fakeEvaluator{}
		w := NewWorker(eventBus, eval)
		if err := w.Start(Config{WorkerCount: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		_ = eventBus.Publish(context.Background(), domain.TopicTranscriptSubmitted, []byte("{not json"))
		publish(t, eventBus, "tr-ok")

		waitFor(t, func() bool { return w.GetStats().Processed == 1 })
		if calls := eval.called(); len(calls) != 1 || calls[0] != "tr-ok" {
			t.Errorf("unexpected calls %v", calls)
		}
	})
}
