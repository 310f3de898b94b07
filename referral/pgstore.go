package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists referrals, their transition history, and timeline events
// in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const referralColumns = `id, first_name, last_name, email, phone, presenting_concern, urgency,
    referrer_name, referrer_contact, workflow_status, decline_reason,
    created_at, reviewed_at, assigned_at, exported_at, completed_at, version`

func (s *PGStore) Create(ctx context.Context, r Referral) (Referral, error) {
	const query = `
        INSERT INTO referrals (id, first_name, last_name, email, phone, presenting_concern, urgency,
            referrer_name, referrer_contact, workflow_status, decline_reason, created_at, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
        RETURNING ` + referralColumns

	row := s.pool.QueryRow(ctx, query,
		r.ID, r.FirstName, r.LastName, r.Email, r.Phone, r.PresentingConcern, r.Urgency,
		r.ReferrerName, r.ReferrerContact, r.WorkflowStatus, r.DeclineReason, r.CreatedAt,
	)
	created, err := scanReferral(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Referral{}, fmt.Errorf("referral: duplicate id %s", r.ID)
		}
		return Referral{}, fmt.Errorf("referral: insert: %w", err)
	}
	return created, nil
}

func (s *PGStore) Load(ctx context.Context, id string) (Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE id=$1`

	r, err := scanReferral(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Referral{}, ErrNotFound
		}
		return Referral{}, fmt.Errorf("referral: load: %w", err)
	}

	r.Transitions, err = s.loadTransitions(ctx, id)
	if err != nil {
		return Referral{}, err
	}
	return r, nil
}

// Save commits the referral row under an optimistic version check and
// appends any transitions not yet persisted, all in one transaction.
func (s *PGStore) Save(ctx context.Context, r Referral) (Referral, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
        UPDATE referrals
        SET workflow_status=$2, decline_reason=$3,
            reviewed_at=$4, assigned_at=$5, exported_at=$6, completed_at=$7,
            version=version+1
        WHERE id=$1 AND version=$8
        RETURNING ` + referralColumns

	row := tx.QueryRow(ctx, query,
		r.ID, r.WorkflowStatus, r.DeclineReason,
		r.ReviewedAt, r.AssignedAt, r.ExportedAt, r.CompletedAt,
		r.Version,
	)
	updated, err := scanReferral(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM referrals WHERE id=$1)`, r.ID).Scan(&exists); checkErr != nil {
				return Referral{}, fmt.Errorf("referral: verify existence: %w", checkErr)
			}
			if !exists {
				return Referral{}, ErrNotFound
			}
			return Referral{}, fmt.Errorf("%w: id %s version %d", ErrConcurrentModification, r.ID, r.Version)
		}
		return Referral{}, fmt.Errorf("referral: update: %w", err)
	}

	for seq, change := range r.Transitions {
		if _, err := tx.Exec(ctx, `
            INSERT INTO referral_transitions (referral_id, seq, from_status, to_status, reason, actor, at)
            VALUES ($1,$2,$3,$4,$5,$6,$7)
            ON CONFLICT (referral_id, seq) DO NOTHING
        `, r.ID, seq, change.From, change.To, change.Reason, change.Actor, change.At); err != nil {
			return Referral{}, fmt.Errorf("referral: insert transition: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Referral{}, fmt.Errorf("referral: commit tx: %w", err)
	}

	updated.Transitions = r.Transitions
	return updated, nil
}

func (s *PGStore) List(ctx context.Context, filters Filters) ([]Referral, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.Status != "" {
		where = append(where, fmt.Sprintf("workflow_status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.ClientState != "" {
		statuses := statusesForClientState(filters.ClientState)
		where = append(where, fmt.Sprintf("workflow_status=ANY($%d)", len(args)+1))
		args = append(args, statuses)
	}
	if filters.Urgency != "" {
		where = append(where, fmt.Sprintf("urgency=$%d", len(args)+1))
		args = append(args, filters.Urgency)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`SELECT %s FROM referrals%s ORDER BY created_at ASC LIMIT %d OFFSET %d`,
		referralColumns, whereClause, limit, offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("referral: query list: %w", err)
	}
	defer rows.Close()

	list := []Referral{}
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("referral: scan list: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("referral: list rows: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM referrals%s", whereClause)
	var total int
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("referral: count list: %w", err)
	}

	return list, total, nil
}

func (s *PGStore) AppendTimelineEvent(ctx context.Context, id string, ev TimelineEvent) error {
	tag, err := s.pool.Exec(ctx, `
        INSERT INTO referral_timeline_events (referral_id, at, phase, label, detail)
        SELECT $1,$2,$3,$4,$5 WHERE EXISTS (SELECT 1 FROM referrals WHERE id=$1)
    `, id, ev.At, ev.Phase, ev.Label, ev.Detail)
	if err != nil {
		return fmt.Errorf("referral: insert timeline event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) TimelineEvents(ctx context.Context, id string) ([]TimelineEvent, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT at, phase, label, detail
        FROM referral_timeline_events
        WHERE referral_id=$1
        ORDER BY at ASC, id ASC
    `, id)
	if err != nil {
		return nil, fmt.Errorf("referral: query timeline events: %w", err)
	}
	defer rows.Close()

	events := []TimelineEvent{}
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.At, &ev.Phase, &ev.Label, &ev.Detail); err != nil {
			return nil, fmt.Errorf("referral: scan timeline event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("referral: timeline rows: %w", err)
	}
	return events, nil
}

func (s *PGStore) loadTransitions(ctx context.Context, id string) ([]Change, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT from_status, to_status, reason, actor, at
        FROM referral_transitions
        WHERE referral_id=$1
        ORDER BY seq ASC
    `, id)
	if err != nil {
		return nil, fmt.Errorf("referral: query transitions: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.From, &c.To, &c.Reason, &c.Actor, &c.At); err != nil {
			return nil, fmt.Errorf("referral: scan transition: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("referral: transition rows: %w", err)
	}
	return changes, nil
}

func scanReferral(row pgx.Row) (Referral, error) {
	var r Referral
	return r, row.Scan(
		&r.ID,
		&r.FirstName,
		&r.LastName,
		&r.Email,
		&r.Phone,
		&r.PresentingConcern,
		&r.Urgency,
		&r.ReferrerName,
		&r.ReferrerContact,
		&r.WorkflowStatus,
		&r.DeclineReason,
		&r.CreatedAt,
		&r.ReviewedAt,
		&r.AssignedAt,
		&r.ExportedAt,
		&r.CompletedAt,
		&r.Version,
	)
}

func statusesForClientState(state ClientState) []string {
	statuses := []string{}
	for status, s := range clientStateOf {
		if s == state {
			statuses = append(statuses, string(status))
		}
	}
	return statuses
}
