package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/repository"
	"golang.org/x/text/language"
)

const (
	DefaultPageSize              = 50
	DefaultMaxCredentialAttempts = 3
	DefaultInboxLookback         = 24 * time.Hour
)

type SyncConfig struct {
	PageSize              int
	TranslateEnabled      bool
	TargetLanguage        language.Tag
	MaxCredentialAttempts int
	InboxLookback         time.Duration
}

// SyncResult counts what one subscription sync did
type SyncResult struct {
	SubscriptionID string
	Fetched        int
	Synced         int
	Skipped        int
	Failed         int
	Enqueued       int
}

func (r *SyncResult) add(o SyncResult) {
	r.Fetched += o.Fetched
	r.Synced += o.Synced
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Enqueued += o.Enqueued
}

// SyncProcessor pulls new upstream items per subscription, stores them once,
// and hands eligible ones to the submission queue.
type SyncProcessor struct {
	credentials CredentialProvider
	source      ContentSource
	translator  Translator
	items       ContentItemRepository
	subs        SubscriptionRepository
	queue       Enqueuer
	completions CompletionSource
	cfg         SyncConfig
	now         func() time.Time

	inboxMu        sync.Mutex
	lastInboxCheck time.Time
}

func NewSyncProcessor(
	credentials CredentialProvider,
	source ContentSource,
	translator Translator,
	items ContentItemRepository,
	subs SubscriptionRepository,
	queue Enqueuer,
	completions CompletionSource,
	cfg SyncConfig,
) *SyncProcessor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxCredentialAttempts <= 0 {
		cfg.MaxCredentialAttempts = DefaultMaxCredentialAttempts
	}
	if cfg.InboxLookback <= 0 {
		cfg.InboxLookback = DefaultInboxLookback
	}
	if cfg.TargetLanguage == language.Und {
		cfg.TargetLanguage = language.English
	}
	return &SyncProcessor{
		credentials: credentials,
		source:      source,
		translator:  translator,
		items:       items,
		subs:        subs,
		queue:       queue,
		completions: completions,
		cfg:         cfg,
		now:         time.Now,
	}
}

// SyncAll syncs every active subscription in turn. Quota exhaustion and
// configuration errors stop the cycle; other failures are counted.
func (p *SyncProcessor) SyncAll(ctx context.Context) (string, error) {
	subs, err := p.subs.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return "no active subscriptions", nil
	}

	log.Info().Int("subscriptions", len(subs)).Msg("starting content sync")

	var total SyncResult
	failures := 0
	for i, sub := range subs {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("sync interrupted after %d of %d subscriptions: %w", i, len(subs), err)
		}

		res, err := p.SyncOne(ctx, sub, p.cfg.PageSize)
		total.add(res)
		if err != nil {
			if errors.Is(err, ErrQuotaExhausted) || IsConfigurationError(err) {
				return "", fmt.Errorf("sync stopped after %d of %d subscriptions (%d new items): %w", i, len(subs), total.Synced, err)
			}
			failures++
			log.Error().Err(err).Str("subscription", sub.ID).Str("name", sub.Name).Msg("subscription sync failed")
			continue
		}
	}

	summary := fmt.Sprintf("synced %d new items from %d subscriptions (%d skipped, %d failed, %d queued)",
		total.Synced, len(subs), total.Skipped, total.Failed, total.Enqueued)
	if failures > 0 {
		summary += fmt.Sprintf(", %d subscriptions failed", failures)
	}
	if failures == len(subs) {
		return "", fmt.Errorf("all %d subscriptions failed to sync", failures)
	}
	return summary, nil
}

// SyncOne fetches items newer than the subscription's watermark and stores
// the ones not seen before for that subscription.
func (p *SyncProcessor) SyncOne(ctx context.Context, sub models.Subscription, maxItems int) (SyncResult, error) {
	result := SyncResult{SubscriptionID: sub.ID}
	cycleStart := p.now()

	limit := p.cfg.PageSize
	if maxItems > 0 && maxItems < limit {
		limit = maxItems
	}

	var fetched []FetchedItem
	err := p.withCredential(ctx, func(cred models.Credential, meter UsageMeter) error {
		var err error
		fetched, err = p.source.FetchItems(ctx, FetchRequest{
			APIKey:         cred.Secret,
			Meter:          meter,
			SourceType:     sub.SourceType,
			SourceID:       sub.SourceID,
			MaxResults:     limit,
			PublishedAfter: sub.LastSyncAt,
		})
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to fetch items for subscription %s: %w", sub.ID, err)
	}
	result.Fetched = len(fetched)

	fresh, err := p.filterNew(ctx, sub.ID, fetched)
	if err != nil {
		return result, err
	}

	var created []models.ContentItem
	if len(fresh) > 0 {
		items := make([]models.ContentItem, 0, len(fresh))
		for _, f := range fresh {
			items = append(items, p.buildItem(ctx, sub, f))
		}
		created, err = p.persist(ctx, sub.ID, items, &result)
		if err != nil {
			return result, err
		}
	}

	var watermarkErr error
	if result.Synced > 0 || result.Failed == 0 {
		if err := p.subs.UpdateLastSync(ctx, sub.ID, cycleStart); err != nil {
			watermarkErr = fmt.Errorf("failed to advance watermark for subscription %s: %w", sub.ID, err)
		}
	}

	for _, item := range created {
		if item.TranslationStatus == models.TranslationPending && p.enqueue(item.ID) {
			result.Enqueued++
		}
	}

	log.Info().
		Str("subscription", sub.ID).
		Int("fetched", result.Fetched).
		Int("synced", result.Synced).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int("queued", result.Enqueued).
		Msg("subscription synced")

	return result, watermarkErr
}

// withCredential runs call with the best credential, moving to the next one
// when the current credential runs out of quota mid-call.
func (p *SyncProcessor) withCredential(ctx context.Context, call func(cred models.Credential, meter UsageMeter) error) error {
	for attempt := 1; attempt <= p.cfg.MaxCredentialAttempts; attempt++ {
		cred, ok, err := p.credentials.SelectActive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQuotaExhausted
		}

		err = call(cred, p.credentials.Meter(cred.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			return err
		}
		log.Warn().Str("credential", cred.ID).Int("attempt", attempt).Msg("credential quota exceeded, rotating")
	}
	return fmt.Errorf("%w: no credential succeeded after %d attempts", ErrQuotaExhausted, p.cfg.MaxCredentialAttempts)
}

// filterNew drops items already stored for the subscription and duplicates
// within the page, keeping page order
func (p *SyncProcessor) filterNew(ctx context.Context, subscriptionID string, fetched []FetchedItem) ([]FetchedItem, error) {
	ids := make([]string, 0, len(fetched))
	for _, f := range fetched {
		ids = append(ids, f.ExternalID)
	}
	existing, err := p.items.ExistingExternalIDs(ctx, subscriptionID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing items: %w", err)
	}

	seen := make(map[string]bool, len(fetched))
	fresh := make([]FetchedItem, 0, len(fetched))
	for _, f := range fetched {
		if f.ExternalID == "" || existing[f.ExternalID] || seen[f.ExternalID] {
			continue
		}
		seen[f.ExternalID] = true
		fresh = append(fresh, f)
	}
	return fresh, nil
}

func (p *SyncProcessor) buildItem(ctx context.Context, sub models.Subscription, f FetchedItem) models.ContentItem {
	now := p.now()
	item := models.ContentItem{
		ID:                uuid.New().String(),
		ExternalID:        f.ExternalID,
		SubscriptionID:    sub.ID,
		ChannelID:         f.ChannelID,
		ChannelName:       f.ChannelName,
		Title:             f.Title,
		Description:       f.Description,
		ThumbnailURL:      f.ThumbnailURL,
		PublishedAt:       f.PublishedAt,
		DurationSeconds:   f.DurationSeconds,
		TranslationStatus: models.TranslationNone,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p.applyTranslation(ctx, &item)
	if sub.EligibleForSubmission(item.DurationSeconds) {
		item.TranslationStatus = models.TranslationPending
	}
	return item
}

// enqueue hands an item to the submission queue; without one items stay pending
func (p *SyncProcessor) enqueue(itemID string) bool {
	if p.queue == nil {
		return false
	}
	return p.queue.Enqueue(itemID)
}

// applyTranslation fills the translated fields. Failures keep the original text.
func (p *SyncProcessor) applyTranslation(ctx context.Context, item *models.ContentItem) {
	if !p.cfg.TranslateEnabled || p.translator == nil {
		return
	}
	title := p.translate(ctx, item.ExternalID, item.Title)
	description := p.translate(ctx, item.ExternalID, item.Description)
	item.TranslatedTitle = &title
	item.TranslatedDescription = &description
}

func (p *SyncProcessor) translate(ctx context.Context, externalID, text string) string {
	if strings.TrimSpace(text) == "" || inLanguage(text, p.cfg.TargetLanguage) {
		return text
	}
	out, err := p.translator.Translate(ctx, text, p.cfg.TargetLanguage)
	if err != nil {
		log.Warn().Err(err).Str("item", externalID).Msg("translation failed, keeping original text")
		return text
	}
	if strings.TrimSpace(out) == "" {
		return text
	}
	return out
}

// inLanguage reports whether text is reliably detected as the target language
func inLanguage(text string, target language.Tag) bool {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return false
	}
	base, _ := target.Base()
	return info.Lang.Iso6391() == base.String()
}

// persist stores items as one batch. On a uniqueness conflict it falls back to
// inserting one at a time, re-checking existence before each insert.
func (p *SyncProcessor) persist(ctx context.Context, subscriptionID string, items []models.ContentItem, result *SyncResult) ([]models.ContentItem, error) {
	err := p.items.CreateBatch(ctx, items)
	if err == nil {
		result.Synced += len(items)
		return items, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		result.Failed += len(items)
		return nil, fmt.Errorf("failed to store %d items: %w", len(items), err)
	}

	log.Warn().Str("subscription", subscriptionID).Int("items", len(items)).Msg("batch insert conflicted, inserting one at a time")

	created := make([]models.ContentItem, 0, len(items))
	for _, item := range items {
		exists, err := p.items.Exists(ctx, subscriptionID, item.ExternalID)
		if err != nil {
			result.Failed++
			log.Error().Err(err).Str("item", item.ExternalID).Msg("existence check failed")
			continue
		}
		if exists {
			result.Skipped++
			continue
		}
		if err := p.items.Create(ctx, item); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				result.Skipped++
				continue
			}
			result.Failed++
			log.Error().Err(err).Str("item", item.ExternalID).Msg("failed to store item")
			continue
		}
		result.Synced++
		created = append(created, item)
	}
	return created, nil
}
