package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/repository"
)

const (
	DefaultSubmissionConcurrency = 2
	DefaultSubmissionMaxMinutes  = 30
	DefaultSubmitTimeout         = 10 * time.Minute

	statusWriteTimeout = 30 * time.Second
)

type QueueConfig struct {
	Concurrency        int
	MaxDurationMinutes int // items longer than this are failed instead of submitted; 0 disables
	SubmitTimeout      time.Duration
}

// SubmissionItemRepository is the part of item storage the queue needs
type SubmissionItemRepository interface {
	GetByID(ctx context.Context, id string) (*models.ContentItem, error)
	TransitionStatus(ctx context.Context, id string, from, to models.TranslationStatus, errMsg *string) (bool, error)
}

// SubmissionQueue submits items to the AI service with bounded concurrency.
// It has no polling loop: enqueueing and finishing a submission both drain.
type SubmissionQueue struct {
	items         SubmissionItemRepository
	submitter     Submitter
	limit         int
	maxDuration   int
	submitTimeout time.Duration

	mu      sync.Mutex
	pending []string
	queued  map[string]bool
	active  map[string]bool
	closed  bool
	idle    chan struct{} // non-nil while work is queued or running; closed when drained
}

func NewSubmissionQueue(items SubmissionItemRepository, submitter Submitter, cfg QueueConfig) *SubmissionQueue {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = DefaultSubmissionConcurrency
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &SubmissionQueue{
		items:         items,
		submitter:     submitter,
		limit:         limit,
		maxDuration:   cfg.MaxDurationMinutes,
		submitTimeout: timeout,
		queued:        map[string]bool{},
		active:        map[string]bool{},
	}
}

// Enqueue adds an item unless it is already queued or being submitted
func (q *SubmissionQueue) Enqueue(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || itemID == "" || q.queued[itemID] || q.active[itemID] {
		return false
	}
	q.pending = append(q.pending, itemID)
	q.queued[itemID] = true
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	q.drainLocked()
	return true
}

func (q *SubmissionQueue) drainLocked() {
	for len(q.pending) > 0 && len(q.active) < q.limit {
		id := q.pending[0]
		q.pending = q.pending[1:]
		delete(q.queued, id)
		q.active[id] = true
		go q.run(id)
	}
}

func (q *SubmissionQueue) run(itemID string) {
	defer q.finish(itemID)
	q.process(itemID)
}

func (q *SubmissionQueue) finish(itemID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, itemID)
	q.drainLocked()
	if len(q.pending) == 0 && len(q.active) == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

func (q *SubmissionQueue) process(itemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.submitTimeout)
	defer cancel()
	logger := log.With().Str("item", itemID).Logger()

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("submission panicked")
			q.fail(ctx, itemID, models.TranslationProcessing, fmt.Sprintf("submission panicked: %v", p))
		}
	}()

	item, err := q.items.GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			logger.Warn().Msg("queued item no longer exists")
			return
		}
		logger.Error().Err(err).Msg("failed to load queued item")
		return
	}
	if item.TranslationStatus != models.TranslationPending {
		logger.Debug().Str("status", string(item.TranslationStatus)).Msg("item not pending, skipping")
		return
	}

	if q.maxDuration > 0 && item.DurationMinutes() > float64(q.maxDuration) {
		q.fail(ctx, itemID, models.TranslationPending,
			fmt.Sprintf("duration %.1f minutes exceeds submission limit of %d minutes", item.DurationMinutes(), q.maxDuration))
		return
	}

	claimed, err := q.items.TransitionStatus(ctx, itemID, models.TranslationPending, models.TranslationProcessing, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark item processing")
		return
	}
	if !claimed {
		logger.Debug().Msg("item claimed elsewhere, skipping")
		return
	}

	accepted, err := q.submitter.Submit(ctx, *item)
	if err != nil {
		logger.Error().Err(err).Msg("submission failed")
		q.fail(ctx, itemID, models.TranslationProcessing, err.Error())
		return
	}
	if !accepted {
		logger.Warn().Msg("submission rejected")
		q.fail(ctx, itemID, models.TranslationProcessing, "submission rejected by processing service")
		return
	}

	logger.Info().Str("external_id", item.ExternalID).Msg("item submitted")
}

// fail marks the item failed. The write outlives the submit deadline, which may
// be the reason for the failure.
func (q *SubmissionQueue) fail(ctx context.Context, itemID string, from models.TranslationStatus, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if _, err := q.items.TransitionStatus(ctx, itemID, from, models.TranslationFailed, &reason); err != nil {
		log.Error().Err(err).Str("item", itemID).Msg("failed to mark item failed")
	}
}

// ActiveCount returns the number of submissions in flight
func (q *SubmissionQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Len returns the number of items waiting for a free slot
func (q *SubmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *SubmissionQueue) Limit() int {
	return q.limit
}

// Wait blocks until the queue is drained or ctx is done
func (q *SubmissionQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	if idle == nil {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new items; queued items still drain
func (q *SubmissionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
