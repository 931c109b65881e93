package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/repository"
	"golang.org/x/text/language"
)

// memoryCredentialRepository keeps credentials in memory with repository semantics
type memoryCredentialRepository struct {
	mu    sync.Mutex
	creds map[string]models.Credential
	order []string

	resetExpiredFunc func(ctx context.Context, now, nextReset time.Time) (int64, error)
}

func newMemoryCredentialRepository(creds ...models.Credential) *memoryCredentialRepository {
	r := &memoryCredentialRepository{creds: map[string]models.Credential{}}
	for _, c := range creds {
		r.creds[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r
}

func (r *memoryCredentialRepository) get(id string) models.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds[id]
}

func (r *memoryCredentialRepository) List(ctx context.Context) ([]models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Credential, 0, len(r.order))
	for _, id := range r.order {
		if c, ok := r.creds[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memoryCredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	return &c, nil
}

func (r *memoryCredentialRepository) GetBySecret(ctx context.Context, secret string) (*models.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.creds {
		if c.Secret == secret {
			c := c
			return &c, nil
		}
	}
	return nil, repository.ErrCredentialNotFound
}

func (r *memoryCredentialRepository) Create(ctx context.Context, cred models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.creds {
		if c.Secret == cred.Secret {
			return repository.ErrConflict
		}
	}
	r.creds[cred.ID] = cred
	r.order = append(r.order, cred.ID)
	return nil
}

func (r *memoryCredentialRepository) Update(ctx context.Context, cred models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[cred.ID]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.Name, c.Secret, c.IsActive, c.IsValid, c.Priority, c.QuotaLimit = cred.Name, cred.Secret, cred.IsActive, cred.IsValid, cred.Priority, cred.QuotaLimit
	r.creds[cred.ID] = c
	return nil
}

func (r *memoryCredentialRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creds[id]; !ok {
		return repository.ErrCredentialNotFound
	}
	delete(r.creds, id)
	return nil
}

func (r *memoryCredentialRepository) IncrementUsage(ctx context.Context, id string, cost int64, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.QuotaUsed += cost
	c.LastUsedAt = &usedAt
	r.creds[id] = c
	return nil
}

func (r *memoryCredentialRepository) MarkExhausted(ctx context.Context, id string, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return nil
	}
	c.IsValid = false
	c.LastError = &reason
	c.ExhaustedAt = &at
	r.creds[id] = c
	return nil
}

func (r *memoryCredentialRepository) ResetExpired(ctx context.Context, now, nextReset time.Time) (int64, error) {
	if r.resetExpiredFunc != nil {
		return r.resetExpiredFunc(ctx, now, nextReset)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.creds {
		if !c.ResetAt.Before(now) {
			continue
		}
		c.QuotaUsed = 0
		c.ResetAt = nextReset
		if c.ExhaustedAt != nil {
			c.IsValid = true
			c.ExhaustedAt = nil
		}
		r.creds[id] = c
		n++
	}
	return n, nil
}

func (r *memoryCredentialRepository) ResetUsage(ctx context.Context, id string, nextReset time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.QuotaUsed = 0
	c.ResetAt = nextReset
	c.IsValid = true
	c.LastError = nil
	c.ExhaustedAt = nil
	r.creds[id] = c
	return nil
}

type memoryUsageRepository struct {
	mu      sync.Mutex
	records []models.CredentialUsage
}

func (r *memoryUsageRepository) Create(ctx context.Context, record models.CredentialUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *memoryUsageRepository) all() []models.CredentialUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.CredentialUsage(nil), r.records...)
}

// memoryItemRepository stores items in memory; func fields override single methods
type memoryItemRepository struct {
	mu    sync.Mutex
	items map[string]models.ContentItem

	createBatchFunc func(ctx context.Context, items []models.ContentItem) error
	existsFunc      func(ctx context.Context, subscriptionID, externalID string) (bool, error)
	createBatchCall int
}

func newMemoryItemRepository(items ...models.ContentItem) *memoryItemRepository {
	r := &memoryItemRepository{items: map[string]models.ContentItem{}}
	for _, item := range items {
		r.items[item.ID] = item
	}
	return r
}

func (r *memoryItemRepository) findLocked(subscriptionID, externalID string) bool {
	for _, item := range r.items {
		if item.SubscriptionID == subscriptionID && item.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (r *memoryItemRepository) ExistingExternalIDs(ctx context.Context, subscriptionID string, externalIDs []string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, id := range externalIDs {
		if r.findLocked(subscriptionID, id) {
			out[id] = true
		}
	}
	return out, nil
}

func (r *memoryItemRepository) Exists(ctx context.Context, subscriptionID, externalID string) (bool, error) {
	if r.existsFunc != nil {
		return r.existsFunc(ctx, subscriptionID, externalID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(subscriptionID, externalID), nil
}

func (r *memoryItemRepository) CreateBatch(ctx context.Context, items []models.ContentItem) error {
	r.mu.Lock()
	r.createBatchCall++
	r.mu.Unlock()
	if r.createBatchFunc != nil {
		return r.createBatchFunc(ctx, items)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if r.findLocked(item.SubscriptionID, item.ExternalID) {
			return repository.ErrConflict
		}
	}
	for _, item := range items {
		r.items[item.ID] = item
	}
	return nil
}

func (r *memoryItemRepository) Create(ctx context.Context, item models.ContentItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findLocked(item.SubscriptionID, item.ExternalID) {
		return repository.ErrConflict
	}
	r.items[item.ID] = item
	return nil
}

func (r *memoryItemRepository) GetByID(ctx context.Context, id string) (*models.ContentItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, repository.ErrItemNotFound
	}
	return &item, nil
}

func (r *memoryItemRepository) TransitionStatus(ctx context.Context, id string, from, to models.TranslationStatus, errMsg *string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok || item.TranslationStatus != from {
		return false, nil
	}
	item.TranslationStatus = to
	item.TranslationError = errMsg
	r.items[id] = item
	return true, nil
}

func (r *memoryItemRepository) MarkCompleted(ctx context.Context, externalID, outputRef string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, item := range r.items {
		if item.ExternalID == externalID && item.TranslationStatus == models.TranslationProcessing {
			item.TranslationStatus = models.TranslationCompleted
			ref := outputRef
			item.OutputRef = &ref
			item.CompletedAt = &at
			r.items[id] = item
			n++
		}
	}
	return n, nil
}

func (r *memoryItemRepository) ListByStatus(ctx context.Context, status models.TranslationStatus, limit int) ([]models.ContentItem, error) {
	return r.filter(func(item models.ContentItem) bool { return item.TranslationStatus == status }, limit), nil
}

func (r *memoryItemRepository) ListNeedingRepair(ctx context.Context, includeUntranslated bool, maxAttempts, limit int) ([]models.ContentItem, error) {
	out := r.filter(func(item models.ContentItem) bool {
		missing := item.DurationSeconds == 0 || (includeUntranslated && item.TranslatedTitle == nil)
		return missing && item.RepairAttempts < maxAttempts
	}, 0)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RepairAttempts < out[j].RepairAttempts })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryItemRepository) RecordRepairAttempt(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			item.RepairAttempts++
			r.items[id] = item
		}
	}
	return nil
}

func (r *memoryItemRepository) UpdateDetails(ctx context.Context, item models.ContentItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[item.ID]
	if !ok {
		return repository.ErrItemNotFound
	}
	stored.DurationSeconds = item.DurationSeconds
	stored.TranslatedTitle = item.TranslatedTitle
	stored.TranslatedDescription = item.TranslatedDescription
	stored.TranslationStatus = item.TranslationStatus
	r.items[item.ID] = stored
	return nil
}

func (r *memoryItemRepository) filter(keep func(models.ContentItem) bool, limit int) []models.ContentItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ContentItem
	for _, item := range r.items {
		if keep(item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memoryItemRepository) bySubscription(subscriptionID string) []models.ContentItem {
	return r.filter(func(item models.ContentItem) bool { return item.SubscriptionID == subscriptionID }, 0)
}

func (r *memoryItemRepository) status(id string) models.TranslationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id].TranslationStatus
}

type mockSubscriptionRepository struct {
	mu         sync.Mutex
	subs       []models.Subscription
	lastSync   map[string]time.Time
	updateErr  error
	updateCall int
}

func newMockSubscriptionRepository(subs ...models.Subscription) *mockSubscriptionRepository {
	return &mockSubscriptionRepository{subs: subs, lastSync: map[string]time.Time{}}
}

func (m *mockSubscriptionRepository) ListActive(ctx context.Context) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.subs {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.ID == id {
			s := s
			return &s, nil
		}
	}
	return nil, repository.ErrSubscriptionNotFound
}

func (m *mockSubscriptionRepository) UpdateLastSync(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCall++
	if m.updateErr != nil {
		return m.updateErr
	}
	m.lastSync[id] = at
	return nil
}

func (m *mockSubscriptionRepository) watermark(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastSync[id]
	return at, ok
}

type mockCredentialProvider struct {
	mu        sync.Mutex
	creds     []models.Credential // handed out in order, one per SelectActive call
	selectErr error
	calls     int
}

func (m *mockCredentialProvider) SelectActive(ctx context.Context) (models.Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selectErr != nil {
		return models.Credential{}, false, m.selectErr
	}
	if m.calls >= len(m.creds) {
		return models.Credential{}, false, nil
	}
	c := m.creds[m.calls]
	m.calls++
	return c, true, nil
}

func (m *mockCredentialProvider) Meter(credentialID string) UsageMeter {
	return nopMeter{}
}

type nopMeter struct{}

func (nopMeter) Record(ctx context.Context, op OperationKind, endpoint string, callErr error) error {
	return nil
}

type mockContentSource struct {
	mu               sync.Mutex
	fetchItemsFunc   func(ctx context.Context, req FetchRequest) ([]FetchedItem, error)
	fetchDetailsFunc func(ctx context.Context, apiKey string, ids []string) (map[string]FetchedItem, error)
	requests         []FetchRequest
}

func (m *mockContentSource) FetchItems(ctx context.Context, req FetchRequest) ([]FetchedItem, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.fetchItemsFunc != nil {
		return m.fetchItemsFunc(ctx, req)
	}
	return nil, nil
}

func (m *mockContentSource) FetchDetails(ctx context.Context, apiKey string, meter UsageMeter, externalIDs []string) (map[string]FetchedItem, error) {
	if m.fetchDetailsFunc != nil {
		return m.fetchDetailsFunc(ctx, apiKey, externalIDs)
	}
	return map[string]FetchedItem{}, nil
}

type mockTranslator struct {
	mu            sync.Mutex
	translateFunc func(ctx context.Context, text string, target language.Tag) (string, error)
	inputs        []string
}

func (m *mockTranslator) Translate(ctx context.Context, text string, target language.Tag) (string, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, text)
	m.mu.Unlock()
	if m.translateFunc != nil {
		return m.translateFunc(ctx, text, target)
	}
	return text, nil
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (e *recordingEnqueuer) Enqueue(itemID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.ids {
		if id == itemID {
			return false
		}
	}
	e.ids = append(e.ids, itemID)
	return true
}

func (e *recordingEnqueuer) queued() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ids...)
}

type mockCompletionSource struct {
	fetchFunc func(ctx context.Context, since time.Time) ([]Completion, error)
}

func (m *mockCompletionSource) FetchCompletions(ctx context.Context, since time.Time) ([]Completion, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, since)
	}
	return nil, nil
}
