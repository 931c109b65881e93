package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vipul43/clipdigest-worker/internal/models"
)

const (
	RepairBatchSize   = 50 // videos.list accepts at most 50 ids per call
	RetryBatchSize    = 50
	MaxRepairAttempts = 5 // deleted, private and upcoming videos never get a duration
)

// RepairMissing backfills durations and translations that an earlier sync
// could not fill, and queues items that became eligible.
func (p *SyncProcessor) RepairMissing(ctx context.Context) (string, error) {
	items, err := p.items.ListNeedingRepair(ctx, p.cfg.TranslateEnabled && p.translator != nil, MaxRepairAttempts, RepairBatchSize)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no items need repair", nil
	}

	var missing []string
	for _, item := range items {
		if item.DurationSeconds == 0 {
			missing = append(missing, item.ExternalID)
		}
	}

	details := map[string]FetchedItem{}
	if len(missing) > 0 {
		err := p.withCredential(ctx, func(cred models.Credential, meter UsageMeter) error {
			var err error
			details, err = p.source.FetchDetails(ctx, cred.Secret, meter, missing)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("failed to fetch item details: %w", err)
		}
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := p.items.RecordRepairAttempt(ctx, ids); err != nil {
		log.Warn().Err(err).Int("items", len(ids)).Msg("failed to record repair attempt")
	}

	subs := map[string]*models.Subscription{}
	repaired, queued, failed := 0, 0, 0
	for _, item := range items {
		changed := false

		if d, ok := details[item.ExternalID]; ok && item.DurationSeconds == 0 && d.DurationSeconds > 0 {
			item.DurationSeconds = d.DurationSeconds
			changed = true
		}
		if p.cfg.TranslateEnabled && p.translator != nil && item.TranslatedTitle == nil {
			p.applyTranslation(ctx, &item)
			changed = true
		}

		becamePending := false
		if item.TranslationStatus == models.TranslationNone && item.DurationSeconds > 0 {
			sub, err := p.subscription(ctx, subs, item.SubscriptionID)
			if err != nil {
				log.Warn().Err(err).Str("item", item.ID).Msg("cannot evaluate eligibility")
			} else if sub.EligibleForSubmission(item.DurationSeconds) {
				item.TranslationStatus = models.TranslationPending
				becamePending = true
				changed = true
			}
		}

		if !changed {
			continue
		}
		if err := p.items.UpdateDetails(ctx, item); err != nil {
			failed++
			log.Error().Err(err).Str("item", item.ID).Msg("failed to save repaired item")
			continue
		}
		repaired++
		if becamePending && p.enqueue(item.ID) {
			queued++
		}
	}

	return fmt.Sprintf("repaired %d of %d items (%d queued, %d failed)", repaired, len(items), queued, failed), nil
}

func (p *SyncProcessor) subscription(ctx context.Context, cache map[string]*models.Subscription, id string) (*models.Subscription, error) {
	if sub, ok := cache[id]; ok {
		return sub, nil
	}
	sub, err := p.subs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = sub
	return sub, nil
}

// RetryPending re-queues items still waiting for submission, e.g. after a restart
func (p *SyncProcessor) RetryPending(ctx context.Context) (string, error) {
	items, err := p.items.ListByStatus(ctx, models.TranslationPending, RetryBatchSize)
	if err != nil {
		return "", err
	}

	queued := 0
	for _, item := range items {
		if p.enqueue(item.ID) {
			queued++
		}
	}
	return fmt.Sprintf("re-queued %d of %d pending items", queued, len(items)), nil
}

// CheckInbox marks submitted items completed from out-of-band completion notices
func (p *SyncProcessor) CheckInbox(ctx context.Context) (string, error) {
	if p.completions == nil {
		return "", &ConfigurationError{Setting: "GMAIL_REFRESH_TOKEN", Reason: "completion inbox not configured"}
	}

	cycleStart := p.now()
	p.inboxMu.Lock()
	since := p.lastInboxCheck
	p.inboxMu.Unlock()
	if since.IsZero() {
		since = cycleStart.Add(-p.cfg.InboxLookback)
	}

	notices, err := p.completions.FetchCompletions(ctx, since)
	if err != nil {
		return "", fmt.Errorf("failed to read completion notices: %w", err)
	}

	completed := 0
	var errs []error
	for _, n := range notices {
		at := n.ReceivedAt
		if at.IsZero() {
			at = cycleStart
		}
		count, err := p.items.MarkCompleted(ctx, n.ExternalID, n.OutputRef, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", n.MessageID, err))
			continue
		}
		completed += int(count)
	}
	if err := errors.Join(errs...); err != nil {
		return "", fmt.Errorf("failed to apply %d of %d completion notices: %w", len(errs), len(notices), err)
	}

	p.inboxMu.Lock()
	p.lastInboxCheck = cycleStart
	p.inboxMu.Unlock()

	return fmt.Sprintf("read %d completion notices, completed %d items", len(notices), completed), nil
}
