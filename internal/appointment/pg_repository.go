package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// pgxIface is satisfied by *pgxpool.Pool and by pgxmock pools.
type pgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queryer is the subset shared by pools and transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool pgxIface
	loc  *time.Location
}

// NewPgRepository takes the clinic location so day locks match local days.
func NewPgRepository(pool pgxIface, loc *time.Location) *PgRepository {
	if pool == nil {
		panic("appointment: pgx pool required")
	}
	if loc == nil {
		loc = time.UTC
	}
	return &PgRepository{pool: pool, loc: loc}
}

const appointmentColumns = `id, patient_id, treatment_id, start_at, end_at, status, payment_status, calendar_id, notes, created_at, updated_at`

const paymentColumns = `appointment_id, amount_due_cents, amount_paid_cents, state, method, last_paid_at, notes, created_at, updated_at`

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.DNI,
		&p.Name,
		&p.Phone,
		&p.Email,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment

	err := row.Scan(&t.ID, &t.Name, &t.DurationMinutes, &t.PriceCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTreatmentNotFound
		}
		return nil, err
	}
	return &t, nil
}

func scanSystemUser(row pgx.Row) (*SystemUser, error) {
	var u SystemUser

	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	var paymentStatus *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.TreatmentID,
		&a.Start,
		&a.End,
		&status,
		&paymentStatus,
		&a.CalendarID,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	if paymentStatus != nil {
		ps := PaymentState(*paymentStatus)
		a.PaymentStatus = &ps
	}
	return &a, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var state string

	err := row.Scan(
		&p.AppointmentID,
		&p.AmountDueCents,
		&p.AmountPaidCents,
		&state,
		&p.Method,
		&p.LastPaidAt,
		&p.Notes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.State = PaymentState(state)
	return &p, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func toPGUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil || *id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: [16]byte(*id), Valid: true}
}

func fromPGUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := uuid.UUID(id.Bytes)
	return &v
}

func cancelledStatusStrings() []string {
	cancelled := CancelledStatuses()
	out := make([]string, len(cancelled))
	for i, s := range cancelled {
		out[i] = string(s)
	}
	return out
}

func paymentStateString(ps *PaymentState) *string {
	if ps == nil {
		return nil
	}
	v := string(*ps)
	return &v
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, dni, name, phone, email, created_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByDNI(ctx context.Context, dni string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, dni, name, phone, email, created_at
		FROM patients
		WHERE dni = $1
	`, dni)
	return scanPatient(row)
}

func (r *PgRepository) GetTreatmentByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes, price_cents
		FROM treatments
		WHERE id = $1
	`, id)
	return scanTreatment(row)
}

func (r *PgRepository) GetSystemUser(ctx context.Context, id uuid.UUID) (*SystemUser, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, role, active
		FROM system_users
		WHERE id = $1
	`, id)
	return scanSystemUser(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.TreatmentID != nil {
		add("treatment_id = $%d", *f.TreatmentID)
	}
	if f.From != nil {
		add("start_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("start_at < $%d", *f.To)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY start_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindOverlapping(ctx context.Context, start, end time.Time, exclude *uuid.UUID) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE start_at < $2
		  AND end_at > $1
		  AND status <> ALL($3::text[])
		  AND ($4::uuid IS NULL OR id <> $4)
		ORDER BY start_at
	`, start, end, cancelledStatusStrings(), toPGUUID(exclude))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

// lockDays takes transaction scoped advisory locks for every local day the
// interval touches, so overlap check and write are atomic across instances.
func (r *PgRepository) lockDays(ctx context.Context, tx queryer, start, end time.Time) error {
	for _, day := range AgendaDays(start, end, r.loc) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "agenda:"+day); err != nil {
			return fmt.Errorf("lock agenda day %s: %w", day, err)
		}
	}
	return nil
}

func (r *PgRepository) firstOverlap(ctx context.Context, tx queryer, start, end time.Time, exclude *uuid.UUID) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE start_at < $2
		  AND end_at > $1
		  AND status <> ALL($3::text[])
		  AND ($4::uuid IS NULL OR id <> $4)
		ORDER BY start_at
		LIMIT 1
	`, start, end, cancelledStatusStrings(), toPGUUID(exclude))
	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil
	}
	return a, err
}

func (r *PgRepository) insertAppointment(ctx context.Context, tx queryer, a Appointment) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.TreatmentID, a.Start, a.End, string(a.Status),
		paymentStateString(a.PaymentStatus), a.CalendarID, a.Notes, a.CreatedAt, a.UpdatedAt,
	)
	created, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) updateAppointment(ctx context.Context, tx queryer, a Appointment) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET treatment_id = $2,
		    start_at = $3,
		    end_at = $4,
		    status = $5,
		    payment_status = $6,
		    calendar_id = $7,
		    notes = $8,
		    updated_at = $9
		WHERE id = $1
		RETURNING `+appointmentColumns,
		a.ID, a.TreatmentID, a.Start, a.End, string(a.Status),
		paymentStateString(a.PaymentStatus), a.CalendarID, a.Notes, a.UpdatedAt,
	)
	updated, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) insertHistory(ctx context.Context, tx queryer, entries []HistoryEntry) error {
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_history (appointment_id, field, old_value, new_value, actor_kind, actor_id, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.AppointmentID, e.Field, e.OldValue, e.NewValue, string(e.Actor.Kind), toPGUUID(e.Actor.UserID), e.Reason)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) insertPayment(ctx context.Context, tx queryer, p Payment) (*Payment, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (appointment_id) DO UPDATE
		SET amount_due_cents = EXCLUDED.amount_due_cents,
		    amount_paid_cents = EXCLUDED.amount_paid_cents,
		    state = EXCLUDED.state,
		    method = EXCLUDED.method,
		    last_paid_at = EXCLUDED.last_paid_at,
		    notes = EXCLUDED.notes,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+paymentColumns,
		p.AppointmentID, p.AmountDueCents, p.AmountPaidCents, string(p.State), p.Method,
		p.LastPaidAt, p.Notes, p.CreatedAt, p.UpdatedAt,
	)
	saved, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}
	return saved, nil
}

func (r *PgRepository) InsertIfFree(ctx context.Context, in NewAppointment) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a := in.Appointment
	if err := r.lockDays(ctx, tx, a.Start, a.End); err != nil {
		return nil, err
	}

	existing, err := r.firstOverlap(ctx, tx, a.Start, a.End, in.Exclude)
	if err != nil {
		return nil, fmt.Errorf("check overlap: %w", err)
	}
	if existing != nil {
		return nil, &ConflictError{Existing: *existing}
	}

	created, err := r.insertAppointment(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	if in.Payment != nil {
		if _, err := r.insertPayment(ctx, tx, *in.Payment); err != nil {
			return nil, err
		}
	}
	if err := r.insertHistory(ctx, tx, in.History); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (r *PgRepository) lockAppointment(ctx context.Context, tx queryer, id uuid.UUID) (*Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (r *PgRepository) MutateAppointment(ctx context.Context, id uuid.UUID, checkOverlap bool, fn Mutation) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := r.lockAppointment(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	entries, err := fn(&next)
	if err != nil {
		return nil, err
	}

	if NeedsOverlapCheck(checkOverlap, current.Status, next.Status) {
		if err := r.lockDays(ctx, tx, next.Start, next.End); err != nil {
			return nil, err
		}
		existing, err := r.firstOverlap(ctx, tx, next.Start, next.End, &id)
		if err != nil {
			return nil, fmt.Errorf("check overlap: %w", err)
		}
		if existing != nil {
			return nil, &ConflictError{Existing: *existing}
		}
	}

	updated, err := r.updateAppointment(ctx, tx, next)
	if err != nil {
		return nil, err
	}
	if err := r.insertHistory(ctx, tx, entries); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) ReplaceAppointment(ctx context.Context, originalID uuid.UUID, fn Mutation, replacement NewAppointment) (*Appointment, *Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	succ := replacement.Appointment
	if err := r.lockDays(ctx, tx, succ.Start, succ.End); err != nil {
		return nil, nil, err
	}

	current, err := r.lockAppointment(ctx, tx, originalID)
	if err != nil {
		return nil, nil, err
	}
	next := *current
	entries, err := fn(&next)
	if err != nil {
		return nil, nil, err
	}

	existing, err := r.firstOverlap(ctx, tx, succ.Start, succ.End, &originalID)
	if err != nil {
		return nil, nil, fmt.Errorf("check overlap: %w", err)
	}
	if existing != nil {
		return nil, nil, &ConflictError{Existing: *existing}
	}

	original, err := r.updateAppointment(ctx, tx, next)
	if err != nil {
		return nil, nil, err
	}
	if err := r.insertHistory(ctx, tx, entries); err != nil {
		return nil, nil, err
	}

	created, err := r.insertAppointment(ctx, tx, succ)
	if err != nil {
		return nil, nil, err
	}
	if replacement.Payment != nil {
		if _, err := r.insertPayment(ctx, tx, *replacement.Payment); err != nil {
			return nil, nil, err
		}
	}
	if err := r.insertHistory(ctx, tx, replacement.History); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return original, created, nil
}

func (r *PgRepository) AppendStatusFlow(ctx context.Context, e FlowEntry) error {
	var from *string
	if e.From != nil {
		v := string(*e.From)
		from = &v
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_status_flow (appointment_id, from_status, to_status, actor_kind, actor_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.AppointmentID, from, string(e.To), string(e.Actor.Kind), toPGUUID(e.Actor.UserID), e.Note)
	if err != nil {
		return fmt.Errorf("insert status flow: %w", err)
	}
	return nil
}

func (r *PgRepository) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT h.id, h.appointment_id, h.field, h.old_value, h.new_value,
		       h.actor_kind, h.actor_id, u.name, h.reason, h.created_at
		FROM appointment_history h
		LEFT JOIN system_users u ON u.id = h.actor_id
		WHERE h.appointment_id = $1
		ORDER BY h.created_at, h.id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var kind string
		var actorID pgtype.UUID
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Field, &e.OldValue, &e.NewValue,
			&kind, &actorID, &e.ActorName, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor = Actor{Kind: ActorKind(kind), UserID: fromPGUUID(actorID)}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgRepository) ListStatusFlow(ctx context.Context, appointmentID uuid.UUID) ([]FlowEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, from_status, to_status, actor_kind, actor_id, note, created_at
		FROM appointment_status_flow
		WHERE appointment_id = $1
		ORDER BY created_at, id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlowEntry
	for rows.Next() {
		var e FlowEntry
		var from *string
		var to, kind string
		var actorID pgtype.UUID
		if err := rows.Scan(&e.ID, &e.AppointmentID, &from, &to, &kind, &actorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			st := Status(*from)
			e.From = &st
		}
		e.To = Status(to)
		e.Actor = Actor{Kind: ActorKind(kind), UserID: fromPGUUID(actorID)}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgRepository) GetPayment(ctx context.Context, appointmentID uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE appointment_id = $1`, appointmentID)
	return scanPayment(row)
}

func (r *PgRepository) UpsertPayment(ctx context.Context, appointmentID uuid.UUID, fn PaymentMutation) (*Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The appointment row lock serializes concurrent first payments.
	if _, err := r.lockAppointment(ctx, tx, appointmentID); err != nil {
		return nil, err
	}

	current, err := scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE appointment_id = $1`, appointmentID))
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, fmt.Errorf("load payment: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	next.AppointmentID = appointmentID

	saved, err := r.insertPayment(ctx, tx, next)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE appointments SET payment_status = $2, updated_at = now() WHERE id = $1
	`, appointmentID, string(saved.State)); err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}
