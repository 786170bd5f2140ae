package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a conditional status change finds the
// notification in a state that does not allow it.
var ErrInvalidTransition = errors.New("invalid notification status transition")

const notificationColumns = `
	id, external_ref, tenant_id, user_id, channel, title, body, payload,
	status, attempts, max_attempts, scheduled_at, processed_at, failed_at,
	last_error, created_at, updated_at`

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification. ExternalRef and MaxAttempts
// are filled in when absent; ID and timestamps are populated from the row.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if notif.ExternalRef == uuid.Nil {
		notif.ExternalRef = uuid.New()
	}
	if notif.MaxAttempts == 0 {
		notif.MaxAttempts = DefaultMaxAttempts
	}
	if notif.Status == "" {
		notif.Status = StatusPending
	}

	query := `
		INSERT INTO notifications (
			external_ref, tenant_id, user_id, channel, title, body, payload,
			status, attempts, max_attempts, scheduled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ExternalRef,
		notif.TenantID,
		notif.UserID,
		notif.Channel,
		notif.Title,
		notif.Body,
		payloadArg(notif.Payload),
		string(notif.Status),
		notif.Attempts,
		notif.MaxAttempts,
		notif.ScheduledAt,
	).Scan(&notif.ID, &notif.CreatedAt, &notif.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("tenant_id", notif.TenantID),
			zap.String("external_ref", notif.ExternalRef.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.Int64("notification_id", notif.ID),
		zap.String("tenant_id", notif.TenantID),
		zap.String("channel", notif.Channel),
	)

	return nil
}

// GetNotification retrieves a notification by internal ID
func (r *Repository) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

// GetNotificationByRef retrieves a tenant's notification by its public reference.
func (r *Repository) GetNotificationByRef(ctx context.Context, tenantID string, ref uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE tenant_id = $1 AND external_ref = $2`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, tenantID, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return notif, nil
}

// UpdateNotification writes only the fields set in u. The write is
// conditional on the stored status: a terminal record, or one whose status
// cannot move to u.Status, is left untouched and ErrInvalidTransition is
// returned.
func (r *Repository) UpdateNotification(ctx context.Context, id int64, u Update) error {
	if u.Empty() {
		return nil
	}

	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Attempts != nil {
		add("attempts", *u.Attempts)
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	if u.ProcessedAt != nil {
		add("processed_at", *u.ProcessedAt)
	}
	if u.FailedAt != nil {
		add("failed_at", *u.FailedAt)
	}
	sets = append(sets, "updated_at = NOW()")

	from := make([]string, 0, 2)
	for _, s := range u.AllowedFrom() {
		from = append(from, string(s))
	}
	args = append(args, id, from)

	query := fmt.Sprintf("UPDATE notifications SET %s WHERE id = $%d AND status = ANY($%d)",
		strings.Join(sets, ", "), len(args)-1, len(args))

	result, err := r.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.Int64("notification_id", id),
		)
		return fmt.Errorf("update notification: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = r.db.Pool().QueryRow(ctx, "SELECT status FROM notifications WHERE id = $1", id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("read notification status: %w", err)
	}
	return fmt.Errorf("%w: id %d is %s", ErrInvalidTransition, id, current)
}

// CancelNotification moves a pending or processing notification to cancelled.
// Terminal notifications are left untouched and yield ErrInvalidTransition.
func (r *Repository) CancelNotification(ctx context.Context, tenantID string, ref uuid.UUID) (*Notification, error) {
	query := `
		UPDATE notifications
		SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND external_ref = $2 AND status IN ($4, $5)
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query,
		tenantID, ref, string(StatusCancelled), string(StatusPending), string(StatusProcessing),
	))
	if err == nil {
		r.logger.Info("notification cancelled",
			zap.Int64("notification_id", notif.ID),
			zap.String("tenant_id", tenantID),
		)
		return notif, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("cancel notification: %w", err)
	}

	existing, err := r.GetNotificationByRef(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	return existing, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, StatusCancelled)
}

// ListRecent returns a page of a tenant's notifications, newest first, plus
// the total number of rows matching the filter.
func (r *Repository) ListRecent(ctx context.Context, f RecentFilter, limit, offset int) ([]*Notification, int, error) {
	where := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Channel != "" {
		args = append(args, f.Channel)
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.Pool().QueryRow(ctx, "SELECT count(*) FROM notifications WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, clause, len(args)+1, len(args)+2)

	rows, err := r.db.Pool().Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*Notification, 0, limit)
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, total, nil
}

// Summarize counts a tenant's notifications by status, optionally split per
// channel. Every status is present in the result, defaulting to zero.
func (r *Repository) Summarize(ctx context.Context, tenantID string, since *time.Time, byChannel bool) (*Summary, error) {
	query := `
		SELECT channel, status, count(*)
		FROM notifications
		WHERE tenant_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
		GROUP BY channel, status
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("summarize notifications: %w", err)
	}
	defer rows.Close()

	summary := &Summary{CountsByStatus: NewStatusCounts()}
	if byChannel {
		summary.ByChannel = make(map[string]map[Status]int)
	}

	for rows.Next() {
		var channel, status string
		var count int
		if err := rows.Scan(&channel, &status, &count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summary.CountsByStatus[Status(status)] += count
		summary.Total += count
		if byChannel {
			if summary.ByChannel[channel] == nil {
				summary.ByChannel[channel] = NewStatusCounts()
			}
			summary.ByChannel[channel][Status(status)] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}

	return summary, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		notif  Notification
		status string
	)
	err := row.Scan(
		&notif.ID,
		&notif.ExternalRef,
		&notif.TenantID,
		&notif.UserID,
		&notif.Channel,
		&notif.Title,
		&notif.Body,
		&notif.Payload,
		&status,
		&notif.Attempts,
		&notif.MaxAttempts,
		&notif.ScheduledAt,
		&notif.ProcessedAt,
		&notif.FailedAt,
		&notif.LastError,
		&notif.CreatedAt,
		&notif.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	notif.Status = Status(status)
	return &notif, nil
}

// payloadArg keeps an absent payload as SQL NULL rather than JSON null.
func payloadArg(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}
