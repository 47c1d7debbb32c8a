package storage

import (
	"context"
	"errors"
	"time"

	"github.com/venturebridge/forum/internal/services/communications/domain"
)

var (
	// ErrNotFound indicates a requested notification or receiver entry is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
	// ErrEmptyReceivers indicates a notification was created with no receivers.
	ErrEmptyReceivers = errors.New("notification receivers must be non-empty")
	// ErrInitiatorRequired indicates the notification initiator is missing.
	ErrInitiatorRequired = errors.New("notification initiator is required")
)

// NotificationRecord stores one durable notification awaiting
// acknowledgement. Receivers keep insertion order and are unique by
// user id; the record exists exactly while receivers is non-empty.
type NotificationRecord struct {
	ID        string
	Initiator domain.NamespaceInfo
	Receivers []domain.NamespaceInfo
	Message   string
	MessageID string
	CreatedAt time.Time
}

// NotificationStore persists undelivered notification state.
//
// Acknowledge must be a single atomic conditional update: concurrent
// acknowledgements from distinct receivers of one record may not race,
// and the record is deleted in the same operation that empties it.
type NotificationStore interface {
	Create(ctx context.Context, record NotificationRecord) error
	ListFor(ctx context.Context, userID int64) ([]NotificationRecord, error)
	Acknowledge(ctx context.Context, notificationID string, userID int64) error
}
