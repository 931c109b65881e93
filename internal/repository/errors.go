package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrConflict is returned when an insert or update violates a unique index
	ErrConflict = errors.New("unique constraint conflict")

	ErrCredentialNotFound   = errors.New("credential not found")
	ErrItemNotFound         = errors.New("content item not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrJobStatusNotFound    = errors.New("job status not found")
)

// uniqueViolationCode is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolationCode = "23505"

// isUniqueViolation recognises duplicate-key failures across drivers
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
