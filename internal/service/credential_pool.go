package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/repository"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultQuotaLimit is the daily unit allowance of a YouTube Data API key
	DefaultQuotaLimit int64 = 10000
	// DefaultResetTimezone is where the upstream quota day ends
	DefaultResetTimezone = "America/Los_Angeles"
)

type PoolConfig struct {
	DefaultQuotaLimit int64
	ResetLocation     *time.Location
}

// CredentialPool rotates among rate-limited API keys, tracking quota per key
type CredentialPool struct {
	creds        CredentialRepository
	usage        UsageRepository
	defaultLimit int64
	loc          *time.Location
	now          func() time.Time
	resets       singleflight.Group
}

func NewCredentialPool(creds CredentialRepository, usage UsageRepository, cfg PoolConfig) *CredentialPool {
	limit := cfg.DefaultQuotaLimit
	if limit <= 0 {
		limit = DefaultQuotaLimit
	}
	loc := cfg.ResetLocation
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultResetTimezone)
		if err != nil {
			loc = time.UTC
		}
	}
	return &CredentialPool{
		creds:        creds,
		usage:        usage,
		defaultLimit: limit,
		loc:          loc,
		now:          time.Now,
	}
}

// NextReset returns the first midnight in loc strictly after from
func NextReset(from time.Time, loc *time.Location) time.Time {
	local := from.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// SelectActive returns the preferred usable credential. ok is false when every
// credential is spent, inactive or invalid.
func (p *CredentialPool) SelectActive(ctx context.Context) (models.Credential, bool, error) {
	if _, err := p.ResetExpired(ctx); err != nil {
		return models.Credential{}, false, err
	}

	creds, err := p.creds.List(ctx)
	if err != nil {
		return models.Credential{}, false, fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(creds) == 0 {
		return models.Credential{}, false, &ConfigurationError{
			Setting: "YOUTUBE_API_KEYS",
			Reason:  "no API credentials configured",
		}
	}

	sort.SliceStable(creds, func(i, j int) bool {
		if creds[i].Priority != creds[j].Priority {
			return creds[i].Priority < creds[j].Priority
		}
		return creds[i].QuotaUsed < creds[j].QuotaUsed
	})
	for _, c := range creds {
		if c.Selectable() {
			return c, true, nil
		}
	}
	return models.Credential{}, false, nil
}

// RecordUsage charges one call to a credential and appends a usage record.
// A quota failure invalidates the credential until its next reset.
func (p *CredentialPool) RecordUsage(ctx context.Context, id string, op OperationKind, endpoint string, success bool, callErr error) error {
	now := p.now()
	cost := op.Cost()

	var errs []error
	if err := p.creds.IncrementUsage(ctx, id, cost, now); err != nil {
		errs = append(errs, err)
	}

	var detail *string
	if callErr != nil {
		msg := callErr.Error()
		detail = &msg
	}

	if !success && errors.Is(callErr, ErrQuotaExceeded) {
		if err := p.creds.MarkExhausted(ctx, id, *detail, now); err != nil {
			errs = append(errs, err)
		} else {
			log.Warn().Str("credential", id).Str("endpoint", endpoint).Msg("credential quota exhausted, disabled until reset")
		}
	}

	record := models.CredentialUsage{
		ID:           uuid.New().String(),
		CredentialID: id,
		Operation:    string(op),
		Endpoint:     endpoint,
		Cost:         cost,
		Success:      success,
		ErrorDetail:  detail,
		CreatedAt:    now,
	}
	if err := p.usage.Create(ctx, record); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

type credentialMeter struct {
	pool *CredentialPool
	id   string
}

func (m credentialMeter) Record(ctx context.Context, op OperationKind, endpoint string, callErr error) error {
	return m.pool.RecordUsage(ctx, m.id, op, endpoint, callErr == nil, callErr)
}

// Meter binds usage recording to one credential
func (p *CredentialPool) Meter(credentialID string) UsageMeter {
	return credentialMeter{pool: p, id: credentialID}
}

// ResetExpired restores quota on every credential past its reset time.
// Concurrent callers share a single sweep.
func (p *CredentialPool) ResetExpired(ctx context.Context) (int64, error) {
	v, err, _ := p.resets.Do("reset", func() (interface{}, error) {
		now := p.now()
		n, err := p.creds.ResetExpired(ctx, now, NextReset(now, p.loc))
		if err != nil {
			return int64(0), err
		}
		if n > 0 {
			log.Info().Int64("credentials", n).Msg("credential quotas reset")
		}
		return n, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset credential quotas: %w", err)
	}
	return v.(int64), nil
}

// List returns all credentials
func (p *CredentialPool) List(ctx context.Context) ([]models.Credential, error) {
	return p.creds.List(ctx)
}

// Add registers a new credential
func (p *CredentialPool) Add(ctx context.Context, name, secret string, priority int, quotaLimit int64) (models.Credential, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return models.Credential{}, ErrEmptySecret
	}
	if quotaLimit <= 0 {
		quotaLimit = p.defaultLimit
	}

	if _, err := p.creds.GetBySecret(ctx, secret); err == nil {
		return models.Credential{}, ErrDuplicateSecret
	} else if !errors.Is(err, repository.ErrCredentialNotFound) {
		return models.Credential{}, err
	}

	now := p.now()
	cred := models.Credential{
		ID:         uuid.New().String(),
		Name:       strings.TrimSpace(name),
		Secret:     secret,
		IsActive:   true,
		IsValid:    true,
		Priority:   priority,
		QuotaLimit: quotaLimit,
		ResetAt:    NextReset(now, p.loc).UTC(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := p.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return models.Credential{}, ErrDuplicateSecret
		}
		return models.Credential{}, err
	}
	return cred, nil
}

// AddIfMissing registers a credential unless its secret is already pooled
func (p *CredentialPool) AddIfMissing(ctx context.Context, name, secret string, priority int, quotaLimit int64) (bool, error) {
	_, err := p.Add(ctx, name, secret, priority, quotaLimit)
	if errors.Is(err, ErrDuplicateSecret) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Update saves edited credential settings
func (p *CredentialPool) Update(ctx context.Context, cred models.Credential) error {
	cred.Secret = strings.TrimSpace(cred.Secret)
	if cred.Secret == "" {
		return ErrEmptySecret
	}
	if cred.QuotaLimit <= 0 {
		cred.QuotaLimit = p.defaultLimit
	}

	existing, err := p.creds.GetBySecret(ctx, cred.Secret)
	if err == nil && existing.ID != cred.ID {
		return ErrDuplicateSecret
	}
	if err != nil && !errors.Is(err, repository.ErrCredentialNotFound) {
		return err
	}

	if err := p.creds.Update(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrDuplicateSecret
		}
		return err
	}
	return nil
}

func (p *CredentialPool) Delete(ctx context.Context, id string) error {
	return p.creds.Delete(ctx, id)
}

// Reset clears usage and errors of one credential immediately
func (p *CredentialPool) Reset(ctx context.Context, id string) error {
	return p.creds.ResetUsage(ctx, id, NextReset(p.now(), p.loc))
}
