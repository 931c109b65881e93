package service

import (
	"context"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"golang.org/x/text/language"
)

// OperationKind tags an upstream API call for quota accounting
type OperationKind string

const (
	OpSearch        OperationKind = "search"
	OpList          OperationKind = "list"
	OpVideos        OperationKind = "videos"
	OpChannels      OperationKind = "channels"
	OpPlaylistItems OperationKind = "playlistItems"
)

// quota units charged per call, as published for the YouTube Data API
var operationCosts = map[OperationKind]int64{
	OpSearch:        100,
	OpList:          1,
	OpVideos:        1,
	OpChannels:      1,
	OpPlaylistItems: 1,
}

// Cost returns the quota cost of one call; unknown kinds cost 1
func (k OperationKind) Cost() int64 {
	if cost, ok := operationCosts[k]; ok {
		return cost
	}
	return 1
}

// UsageMeter records one upstream call against the credential it is bound to
type UsageMeter interface {
	Record(ctx context.Context, op OperationKind, endpoint string, callErr error) error
}

// FetchRequest describes one page pulled from the content source
type FetchRequest struct {
	APIKey         string
	Meter          UsageMeter
	SourceType     models.SourceType
	SourceID       string
	MaxResults     int
	PublishedAfter *time.Time
}

// FetchedItem is an upstream video as returned by the content source
type FetchedItem struct {
	ExternalID      string
	ChannelID       string
	ChannelName     string
	Title           string
	Description     string
	ThumbnailURL    string
	PublishedAt     time.Time
	DurationSeconds int
}

// ContentSource lists upstream items. Quota failures wrap ErrQuotaExceeded,
// network failures are TransientError.
type ContentSource interface {
	FetchItems(ctx context.Context, req FetchRequest) ([]FetchedItem, error)
	FetchDetails(ctx context.Context, apiKey string, meter UsageMeter, externalIDs []string) (map[string]FetchedItem, error)
}

// Translator translates text. Returning the input unchanged is a soft failure.
type Translator interface {
	Translate(ctx context.Context, text string, target language.Tag) (string, error)
}

// Submitter forwards an item to the external AI processing service
type Submitter interface {
	Submit(ctx context.Context, item models.ContentItem) (bool, error)
}

// Completion is one out-of-band notice that a submitted item finished processing
type Completion struct {
	MessageID  string
	ExternalID string
	OutputRef  string
	ReceivedAt time.Time
}

type CompletionSource interface {
	FetchCompletions(ctx context.Context, since time.Time) ([]Completion, error)
}

// CredentialProvider hands out credentials and meters their usage
type CredentialProvider interface {
	SelectActive(ctx context.Context) (models.Credential, bool, error)
	Meter(credentialID string) UsageMeter
}

// Enqueuer accepts item ids for submission
type Enqueuer interface {
	Enqueue(itemID string) bool
}

// CredentialRepository interface for dependency injection
type CredentialRepository interface {
	List(ctx context.Context) ([]models.Credential, error)
	GetByID(ctx context.Context, id string) (*models.Credential, error)
	GetBySecret(ctx context.Context, secret string) (*models.Credential, error)
	Create(ctx context.Context, cred models.Credential) error
	Update(ctx context.Context, cred models.Credential) error
	Delete(ctx context.Context, id string) error
	IncrementUsage(ctx context.Context, id string, cost int64, usedAt time.Time) error
	MarkExhausted(ctx context.Context, id string, reason string, at time.Time) error
	ResetExpired(ctx context.Context, now time.Time, nextReset time.Time) (int64, error)
	ResetUsage(ctx context.Context, id string, nextReset time.Time) error
}

type UsageRepository interface {
	Create(ctx context.Context, record models.CredentialUsage) error
}

type ContentItemRepository interface {
	ExistingExternalIDs(ctx context.Context, subscriptionID string, externalIDs []string) (map[string]bool, error)
	Exists(ctx context.Context, subscriptionID, externalID string) (bool, error)
	CreateBatch(ctx context.Context, items []models.ContentItem) error
	Create(ctx context.Context, item models.ContentItem) error
	GetByID(ctx context.Context, id string) (*models.ContentItem, error)
	TransitionStatus(ctx context.Context, id string, from, to models.TranslationStatus, errMsg *string) (bool, error)
	MarkCompleted(ctx context.Context, externalID, outputRef string, at time.Time) (int64, error)
	ListByStatus(ctx context.Context, status models.TranslationStatus, limit int) ([]models.ContentItem, error)
	ListNeedingRepair(ctx context.Context, includeUntranslated bool, maxAttempts, limit int) ([]models.ContentItem, error)
	RecordRepairAttempt(ctx context.Context, ids []string) error
	UpdateDetails(ctx context.Context, item models.ContentItem) error
}

type SubscriptionRepository interface {
	ListActive(ctx context.Context) ([]models.Subscription, error)
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	UpdateLastSync(ctx context.Context, id string, at time.Time) error
}
