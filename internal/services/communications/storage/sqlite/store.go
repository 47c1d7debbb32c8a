package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/venturebridge/forum/internal/platform/storage/sqlitemigrate"
	"github.com/venturebridge/forum/internal/services/communications/domain"
	"github.com/venturebridge/forum/internal/services/communications/storage"
	"github.com/venturebridge/forum/internal/services/communications/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for notification state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a communications SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// Create persists one notification together with its receiver entries.
// Receivers keep their given order and must be unique by user id.
func (s *Store) Create(ctx context.Context, record storage.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeNotificationRecord(record)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback notification write: %v", cause, rollbackErr)
		}
		return cause
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO notifications (
		id, initiator_user_id, initiator_namespace, initiator_namespace_id, message, message_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		normalized.ID,
		normalized.Initiator.UserID,
		string(normalized.Initiator.Namespace),
		normalized.Initiator.NamespaceID,
		normalized.Message,
		normalized.MessageID,
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return rollbackWith(storage.ErrConflict)
		}
		return rollbackWith(fmt.Errorf("insert notification: %w", err))
	}

	for position, receiver := range normalized.Receivers {
		_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_receivers (notification_id, user_id, namespace, namespace_id, position)
		VALUES (?, ?, ?, ?, ?)
		`,
			normalized.ID,
			receiver.UserID,
			string(receiver.Namespace),
			receiver.NamespaceID,
			position,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return rollbackWith(storage.ErrConflict)
			}
			return rollbackWith(fmt.Errorf("insert notification receiver: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification write: %w", err)
	}
	return nil
}

// ListFor lists every notification whose receivers include userID, in
// insertion order.
func (s *Store) ListFor(ctx context.Context, userID int64) ([]storage.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if userID <= 0 {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
	SELECT n.id, n.initiator_user_id, n.initiator_namespace, n.initiator_namespace_id, n.message, n.message_id, n.created_at
	FROM notifications n
	JOIN notification_receivers r ON r.notification_id = n.id
	WHERE r.user_id = ?
	ORDER BY n.created_at ASC, n.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var records []storage.NotificationRecord
	for rows.Next() {
		record, scanErr := scanNotification(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan notification row: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}

	for i := range records {
		receivers, err := s.listReceivers(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Receivers = receivers
	}
	return records, nil
}

// Acknowledge removes userID from one record's receiver set and deletes
// the record in the same transaction when the set becomes empty. The
// receiver removal is a single conditional DELETE, so concurrent
// acknowledgements by distinct receivers cannot race.
func (s *Store) Acknowledge(ctx context.Context, notificationID string, userID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return fmt.Errorf("notification id is required")
	}
	if userID <= 0 {
		return fmt.Errorf("user id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin acknowledge write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback acknowledge write: %v", cause, rollbackErr)
		}
		return cause
	}

	result, err := tx.ExecContext(ctx, `
	DELETE FROM notification_receivers
	WHERE notification_id = ? AND user_id = ?
	`, notificationID, userID)
	if err != nil {
		return rollbackWith(fmt.Errorf("delete notification receiver: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollbackWith(fmt.Errorf("delete notification receiver rows affected: %w", err))
	}
	if affected == 0 {
		return rollbackWith(storage.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx, `
	DELETE FROM notifications
	WHERE id = ?
	  AND NOT EXISTS (
	    SELECT 1 FROM notification_receivers r WHERE r.notification_id = notifications.id
	  )
	`, notificationID)
	if err != nil {
		return rollbackWith(fmt.Errorf("delete emptied notification: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit acknowledge write: %w", err)
	}
	return nil
}

func (s *Store) listReceivers(ctx context.Context, notificationID string) ([]domain.NamespaceInfo, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
	SELECT user_id, namespace, namespace_id
	FROM notification_receivers
	WHERE notification_id = ?
	ORDER BY position ASC
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list notification receivers: %w", err)
	}
	defer rows.Close()

	var receivers []domain.NamespaceInfo
	for rows.Next() {
		var receiver domain.NamespaceInfo
		var namespace string
		if err := rows.Scan(&receiver.UserID, &namespace, &receiver.NamespaceID); err != nil {
			return nil, fmt.Errorf("scan receiver row: %w", err)
		}
		receiver.Namespace = domain.NamespaceKind(namespace)
		receivers = append(receivers, receiver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receiver rows: %w", err)
	}
	return receivers, nil
}

type scanner func(dest ...any) error

func scanNotification(scan scanner) (storage.NotificationRecord, error) {
	var record storage.NotificationRecord
	var namespace string
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.Initiator.UserID,
		&namespace,
		&record.Initiator.NamespaceID,
		&record.Message,
		&record.MessageID,
		&createdAt,
	); err != nil {
		return storage.NotificationRecord{}, err
	}
	record.Initiator.Namespace = domain.NamespaceKind(namespace)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func normalizeNotificationRecord(record storage.NotificationRecord) (storage.NotificationRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.Message = strings.TrimSpace(record.Message)
	record.MessageID = strings.TrimSpace(record.MessageID)
	if record.ID == "" {
		return storage.NotificationRecord{}, fmt.Errorf("notification id is required")
	}
	if err := record.Initiator.Validate(); err != nil {
		return storage.NotificationRecord{}, storage.ErrInitiatorRequired
	}
	if len(record.Receivers) == 0 {
		return storage.NotificationRecord{}, storage.ErrEmptyReceivers
	}
	seen := make(map[int64]struct{}, len(record.Receivers))
	for _, receiver := range record.Receivers {
		if err := receiver.Validate(); err != nil {
			return storage.NotificationRecord{}, err
		}
		if _, duplicate := seen[receiver.UserID]; duplicate {
			return storage.NotificationRecord{}, fmt.Errorf("%w: duplicate receiver user id %d", storage.ErrConflict, receiver.UserID)
		}
		seen[receiver.UserID] = struct{}{}
	}
	if record.Message == "" {
		return storage.NotificationRecord{}, fmt.Errorf("notification message is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.NotificationRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

var _ storage.NotificationStore = (*Store)(nil)
