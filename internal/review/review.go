// Package review manages the queue of course records awaiting a human
// compliance reviewer.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go4it/credeval/internal/audit"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/metrics"
)

// Queue enqueues flagged records and applies reviewer resolutions.
type Queue struct {
	repo    domain.Repository
	bus     domain.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewQueue returns a queue over repo. bus and m may be nil.
func NewQueue(repo domain.Repository, bus domain.EventBus, m *metrics.Metrics) *Queue {
	return &Queue{
		repo:    repo,
		bus:     bus,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue adds a record to the queue.
func (q *Queue) Enqueue(ctx context.Context, transcriptID, recordID, reason string, payload any) (*domain.ReviewItem, error) {
	return q.enqueue(ctx, "", transcriptID, recordID, reason, payload)
}

// EnqueueFlagged enqueues every flagged record of an evaluation that has no
// pending item yet. Items are created in record order.
func (q *Queue) EnqueueFlagged(ctx context.Context, eval *domain.Evaluation, flagged []*domain.CourseRecord) ([]*domain.ReviewItem, error) {
	if len(flagged) == 0 {
		return nil, nil
	}
	pending, err := q.repo.ListReviewItems(ctx, domain.ReviewFilter{
		Status:       domain.ReviewPending,
		TranscriptID: eval.TranscriptID,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending review items: %w", err)
	}
	open := make(map[string]bool, len(pending))
	for _, it := range pending {
		open[it.RecordID] = true
	}

	var created []*domain.ReviewItem
	for _, rec := range flagged {
		if open[rec.ID] {
			continue
		}
		reason := ""
		if rec.Classification != nil && len(rec.Classification.ReviewReasons) > 0 {
			reason = rec.Classification.ReviewReasons[0]
		}
		item, err := q.enqueue(ctx, eval.ID, eval.TranscriptID, rec.ID, reason, map[string]any{
			"evaluationId":   eval.ID,
			"version":        eval.Version,
			"subject":        rec.EffectiveSubject(),
			"localGrade":     rec.EffectiveGrade(),
			"classification": rec.Classification,
		})
		if err != nil {
			return created, err
		}
		created = append(created, item)
	}
	return created, nil
}

func (q *Queue) enqueue(ctx context.Context, evaluationID, transcriptID, recordID, reason string, payload any) (*domain.ReviewItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode review payload: %w", err)
	}
	item := &domain.ReviewItem{
		TranscriptID: transcriptID,
		RecordID:     recordID,
		Reason:       reason,
		Payload:      raw,
		Status:       domain.ReviewPending,
		CreatedAt:    q.now(),
	}
	if err := q.repo.SaveReviewItem(ctx, item); err != nil {
		return nil, fmt.Errorf("save review item: %w", err)
	}

	entry, err := audit.NewEntry(transcriptID, recordID, domain.ActionReviewEnqueued, map[string]any{
		"reviewItemId": item.ID,
		"reason":       reason,
	}, item.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.EvaluationID = evaluationID
	entry.RequiresReview = true
	if _, err := q.repo.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append review audit: %w", err)
	}

	q.metrics.ReviewEnqueued(1)
	q.publish(ctx, domain.TopicReviewEnqueued, domain.ReviewEvent{
		ReviewItemID: item.ID,
		TranscriptID: transcriptID,
		RecordID:     recordID,
		Reason:       reason,
	})
	return item, nil
}

// Resolve records a reviewer's decision. A correction is stored as an
// override on the record; a confirmation accepts the current result.
// The caller re-evaluates the transcript afterwards.
func (q *Queue) Resolve(ctx context.Context, itemID string, res *domain.Resolution) (*domain.ReviewItem, error) {
	if err := domain.ValidateResolution(res); err != nil {
		return nil, err
	}
	item, err := q.repo.GetReviewItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status == domain.ReviewResolved {
		return nil, domain.ErrAlreadyResolved
	}

	t, err := q.repo.GetTranscript(ctx, item.TranscriptID)
	if err != nil {
		return nil, fmt.Errorf("load transcript %s: %w", item.TranscriptID, err)
	}
	var record *domain.CourseRecord
	for _, r := range t.Records {
		if r.ID == item.RecordID {
			record = r
			break
		}
	}
	if record == nil {
		return nil, fmt.Errorf("record %s of review item %s: %w", item.RecordID, itemID, domain.ErrNotFound)
	}

	at := q.now()
	var matchedRuleID string
	if record.Classification != nil {
		matchedRuleID = record.Classification.MatchedRuleID
	}
	override := Override(record.Override, itemID, res, matchedRuleID)

	entry, err := audit.NewEntry(item.TranscriptID, item.RecordID, domain.ActionReviewResolved, map[string]any{
		"reviewItemId": itemID,
		"resolution":   res,
		"override":     override,
	}, at)
	if err != nil {
		return nil, err
	}
	err = q.repo.CommitResolution(ctx, &domain.ResolutionCommit{
		ItemID:     itemID,
		Resolution: res,
		ResolvedAt: at,
		RecordID:   record.ID,
		Override:   override,
		Audit:      []*domain.AuditEntry{entry},
	})
	if err != nil {
		return nil, err
	}

	q.metrics.ReviewResolved(res.Action)
	q.publish(ctx, domain.TopicReviewResolved, domain.ReviewEvent{
		ReviewItemID: itemID,
		TranscriptID: item.TranscriptID,
		RecordID:     item.RecordID,
		Reason:       item.Reason,
		Action:       res.Action,
	})

	item.Status = domain.ReviewResolved
	item.Resolution = res
	item.ResolvedAt = &at
	return item, nil
}

// Override merges a resolution into the record's previous override. A
// confirmation pins matchedRuleID, the rule the reviewer saw.
func Override(prev *domain.RecordOverride, itemID string, res *domain.Resolution, matchedRuleID string) *domain.RecordOverride {
	var o domain.RecordOverride
	if prev != nil {
		o = *prev
	}
	o.ReviewItemID = itemID
	o.Reviewer = res.Reviewer
	if !res.IsCorrection() {
		o.Confirmed = true
		o.ConfirmedRuleID = matchedRuleID
		return &o
	}
	o.Confirmed = false
	o.ConfirmedRuleID = ""
	if res.RuleID != "" {
		o.RuleID = res.RuleID
	}
	if res.Subject != "" {
		o.Subject = res.Subject
	}
	if res.LocalGrade != "" {
		o.LocalGrade = res.LocalGrade
	}
	return &o
}

// Get returns one review item.
func (q *Queue) Get(ctx context.Context, id string) (*domain.ReviewItem, error) {
	return q.repo.GetReviewItem(ctx, id)
}

// List returns review items matching filter.
func (q *Queue) List(ctx context.Context, filter domain.ReviewFilter) ([]*domain.ReviewItem, error) {
	return q.repo.ListReviewItems(ctx, filter)
}

// Stale returns pending items created more than maxAge ago.
func (q *Queue) Stale(ctx context.Context, maxAge time.Duration) ([]*domain.ReviewItem, error) {
	items, err := q.repo.ListReviewItems(ctx, domain.ReviewFilter{
		Status:    domain.ReviewPending,
		OlderThan: q.now().Add(-maxAge),
	})
	if err != nil {
		return nil, err
	}
	q.metrics.StaleReviews(len(items))
	return items, nil
}

func (q *Queue) publish(ctx context.Context, topic string, event domain.ReviewEvent) {
	if q.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = q.bus.Publish(ctx, topic, payload)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("failed to publish review event",
			"topic", topic,
			"review_item_id", event.ReviewItemID,
			"error", err,
		)
	}
}
