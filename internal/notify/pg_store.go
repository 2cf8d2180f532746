package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgConfirmationStore keeps confirmations in notification_confirmations.
type PgConfirmationStore struct {
	db pgxQuerier
}

var _ ConfirmationStore = (*PgConfirmationStore)(nil)

func NewPgConfirmationStore(db pgxQuerier) *PgConfirmationStore {
	if db == nil {
		panic("notify: pgx pool required")
	}
	return &PgConfirmationStore{db: db}
}

const confirmationColumns = `id, appointment_id, phone, message, scheduled_for, sent_at, delivery_status,
	provider_message_id, error, response_status, response_content, responded_at, created_at`

func scanConfirmation(row pgx.Row) (*Confirmation, error) {
	var c Confirmation
	var delivery, response string

	err := row.Scan(
		&c.ID,
		&c.AppointmentID,
		&c.Phone,
		&c.Message,
		&c.ScheduledFor,
		&c.SentAt,
		&delivery,
		&c.ProviderMessageID,
		&c.Error,
		&response,
		&c.ResponseContent,
		&c.RespondedAt,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfirmationNotFound
		}
		return nil, err
	}
	c.DeliveryStatus = DeliveryStatus(delivery)
	c.ResponseStatus = ResponseStatus(response)
	return &c, nil
}

func collectConfirmations(rows pgx.Rows) ([]Confirmation, error) {
	defer rows.Close()
	var out []Confirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgConfirmationStore) Create(ctx context.Context, c Confirmation) (*Confirmation, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DeliveryStatus == "" {
		c.DeliveryStatus = DeliveryPending
	}
	if c.ResponseStatus == "" {
		c.ResponseStatus = ResponseNone
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO notification_confirmations
			(id, appointment_id, phone, message, scheduled_for, delivery_status, response_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+confirmationColumns,
		c.ID, c.AppointmentID, c.Phone, c.Message, c.ScheduledFor,
		string(c.DeliveryStatus), string(c.ResponseStatus), c.CreatedAt,
	)
	created, err := scanConfirmation(row)
	if err != nil {
		return nil, fmt.Errorf("insert confirmation: %w", err)
	}
	return created, nil
}

func (s *PgConfirmationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Confirmation, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE notification_confirmations
		SET delivery_status = 'sending', claimed_at = $1
		WHERE id IN (
			SELECT id
			FROM notification_confirmations
			WHERE scheduled_for <= $1
			  AND (delivery_status = 'pending'
			       OR (delivery_status = 'sending' AND claimed_at < $3))
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+confirmationColumns,
		now, limit, now.Add(-ClaimLease),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due confirmations: %w", err)
	}
	return collectConfirmations(rows)
}

func (s *PgConfirmationStore) Claim(ctx context.Context, id uuid.UUID) (*Confirmation, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE notification_confirmations
		SET delivery_status = 'sending', claimed_at = now()
		WHERE id = $1 AND delivery_status = 'pending'
		RETURNING `+confirmationColumns,
		id,
	)
	return scanConfirmation(row)
}

func (s *PgConfirmationStore) Release(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, 0, len(ids))
	for _, id := range ids {
		raw = append(raw, id.String())
	}
	_, err := s.db.Exec(ctx, `
		UPDATE notification_confirmations
		SET delivery_status = 'pending', claimed_at = NULL
		WHERE id = ANY($1::uuid[]) AND delivery_status = 'sending'
	`, raw)
	if err != nil {
		return fmt.Errorf("release confirmations: %w", err)
	}
	return nil
}

func (s *PgConfirmationStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConfirmationNotFound
	}
	return nil
}

func (s *PgConfirmationStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	return s.exec(ctx, `
		UPDATE notification_confirmations
		SET delivery_status = 'sent', provider_message_id = $2, sent_at = $3, error = ''
		WHERE id = $1
	`, id, providerMessageID, at)
}

func (s *PgConfirmationStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.exec(ctx, `
		UPDATE notification_confirmations SET delivery_status = 'failed', error = $2 WHERE id = $1
	`, id, reason)
}

func (s *PgConfirmationStore) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	return s.exec(ctx, `
		UPDATE notification_confirmations SET delivery_status = 'skipped', error = $2 WHERE id = $1
	`, id, reason)
}

func (s *PgConfirmationStore) FindAwaitingReply(ctx context.Context, phone string) (*Confirmation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+confirmationColumns+`
		FROM notification_confirmations
		WHERE phone = $1
		  AND response_status = 'no_response'
		  AND delivery_status IN ('sent', 'delivered', 'read')
		  AND sent_at IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1
	`, phone)
	return scanConfirmation(row)
}

func (s *PgConfirmationStore) RecordResponse(ctx context.Context, id uuid.UUID, status ResponseStatus, content string, at time.Time) error {
	return s.exec(ctx, `
		UPDATE notification_confirmations
		SET response_status = $2, response_content = $3, responded_at = $4
		WHERE id = $1
	`, id, string(status), content, at)
}

func (s *PgConfirmationStore) UpdateDelivery(ctx context.Context, providerMessageID string, status DeliveryStatus) error {
	replaceable := make([]string, 0, 5)
	for _, st := range status.replaceable() {
		replaceable = append(replaceable, string(st))
	}
	// Stale receipts still match the row but leave its status alone.
	return s.exec(ctx, `
		UPDATE notification_confirmations
		SET delivery_status = CASE WHEN delivery_status = ANY($3::text[]) THEN $2 ELSE delivery_status END
		WHERE provider_message_id = $1
	`, providerMessageID, string(status), replaceable)
}

func (s *PgConfirmationStore) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Confirmation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+confirmationColumns+`
		FROM notification_confirmations
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	return collectConfirmations(rows)
}
