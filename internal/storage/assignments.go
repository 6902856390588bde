package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/compass/internal/assignment"
)

// appSecrets is the sealed part of an application row.
type appSecrets struct {
	History         []assignment.HistoryEntry `cbor:"1,keyasint"`
	LockToken       string                    `cbor:"2,keyasint,omitempty"`
	LockExpiresAt   *time.Time                `cbor:"3,keyasint,omitempty"`
	ConfirmedAt     *time.Time                `cbor:"4,keyasint,omitempty"`
	RejectionReason string                    `cbor:"5,keyasint,omitempty"`
}

// --- Billets ---

// SaveBillets upserts billets, recording their order as the deck position.
func (s *Store) SaveBillets(ctx context.Context, billets []assignment.Billet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning billet transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO billets (id, position, title, uic, location, pay_grade, designator, duty_type,
			report_not_later_than, description, match_score, contextual_narrative, advertisement_status, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position, title = excluded.title, uic = excluded.uic,
			location = excluded.location, pay_grade = excluded.pay_grade, designator = excluded.designator,
			duty_type = excluded.duty_type, report_not_later_than = excluded.report_not_later_than,
			description = excluded.description, match_score = excluded.match_score,
			contextual_narrative = excluded.contextual_narrative,
			advertisement_status = excluded.advertisement_status, last_sync_at = excluded.last_sync_at`)
	if err != nil {
		return fmt.Errorf("preparing billet upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, b := range billets {
		var rnlt sql.NullString
		if b.ReportNotLaterThan != nil {
			rnlt = sql.NullString{String: b.ReportNotLaterThan.UTC().Format(time.RFC3339), Valid: true}
		}
		synced := b.LastSyncAt
		if synced.IsZero() {
			synced = now
		}
		if _, err := stmt.ExecContext(ctx,
			b.ID, i, b.Title, b.UIC, b.Location, b.PayGrade, b.Designator, b.DutyType,
			rnlt, b.Description, b.Compass.MatchScore, b.Compass.ContextualNarrative,
			string(b.AdvertisementStatus), synced.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("saving billet %s: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

const billetColumns = `id, title, uic, location, pay_grade, designator, duty_type, report_not_later_than,
	description, match_score, contextual_narrative, advertisement_status, last_sync_at`

// FetchBillets returns one page of billets in deck order.
func (s *Store) FetchBillets(ctx context.Context, limit, offset int) ([]assignment.Billet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+billetColumns+` FROM billets ORDER BY position ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []assignment.Billet
	for rows.Next() {
		b, err := scanBillet(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// CountBillets returns the number of stored billets.
func (s *Store) CountBillets(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM billets`).Scan(&n)
	return n, err
}

// GetBillet returns one billet by id.
func (s *Store) GetBillet(ctx context.Context, id string) (assignment.Billet, error) {
	b, err := scanBillet(s.db.QueryRowContext(ctx, `SELECT `+billetColumns+` FROM billets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return assignment.Billet{}, ErrNotFound
	}
	return b, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBillet(row scanner) (assignment.Billet, error) {
	var b assignment.Billet
	var rnlt sql.NullString
	var adStatus, synced string
	if err := row.Scan(&b.ID, &b.Title, &b.UIC, &b.Location, &b.PayGrade, &b.Designator, &b.DutyType, &rnlt,
		&b.Description, &b.Compass.MatchScore, &b.Compass.ContextualNarrative, &adStatus, &synced); err != nil {
		return assignment.Billet{}, err
	}
	b.AdvertisementStatus = assignment.AdvertisementStatus(adStatus)
	if rnlt.Valid {
		t, err := time.Parse(time.RFC3339, rnlt.String)
		if err != nil {
			return assignment.Billet{}, fmt.Errorf("parsing report_not_later_than for billet %s: %w", b.ID, err)
		}
		b.ReportNotLaterThan = &t
	}
	t, err := time.Parse(time.RFC3339Nano, synced)
	if err != nil {
		return assignment.Billet{}, fmt.Errorf("parsing last_sync_at for billet %s: %w", b.ID, err)
	}
	b.LastSyncAt = t
	return b, nil
}

// --- Applications ---

// SaveApplication inserts or replaces one application.
func (s *Store) SaveApplication(ctx context.Context, app *assignment.Application) error {
	return s.saveApplications(ctx, []*assignment.Application{app})
}

// SaveApplications writes a batch atomically.
func (s *Store) SaveApplications(ctx context.Context, apps []*assignment.Application) error {
	if len(apps) == 0 {
		return nil
	}
	return s.saveApplications(ctx, apps)
}

func (s *Store) saveApplications(ctx context.Context, apps []*assignment.Application) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning application transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeApplications(ctx, tx, apps); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceApplications deletes the given ids and upserts apps in one
// transaction.
func (s *Store) ReplaceApplications(ctx context.Context, deleted []string, apps []*assignment.Application) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning application transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting application %s: %w", id, err)
		}
	}
	if err := s.writeApplications(ctx, tx, apps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) writeApplications(ctx context.Context, tx *sql.Tx, apps []*assignment.Application) error {
	for _, app := range apps {
		blob, err := s.sealer.Seal(appSecrets{
			History:         app.StatusHistory,
			LockToken:       app.LockToken,
			LockExpiresAt:   app.LockExpiresAt,
			ConfirmedAt:     app.ConfirmedAt,
			RejectionReason: app.RejectionReason,
		})
		if err != nil {
			return fmt.Errorf("sealing application %s: %w", app.ID, err)
		}
		var rank sql.NullInt64
		if app.PreferenceRank != nil {
			rank = sql.NullInt64{Int64: int64(*app.PreferenceRank), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO applications (id, billet_id, user_id, status, preference_rank, sync_status, retry_count, created_at, updated_at, sealed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status, preference_rank = excluded.preference_rank,
				sync_status = excluded.sync_status, retry_count = excluded.retry_count,
				updated_at = excluded.updated_at, sealed = excluded.sealed`,
			app.ID, app.BilletID, app.UserID, string(app.Status), rank, string(app.SyncStatus), app.RetryCount,
			app.CreatedAt.UTC().Format(time.RFC3339Nano), app.UpdatedAt.UTC().Format(time.RFC3339Nano), blob,
		); err != nil {
			return fmt.Errorf("saving application %s: %w", app.ID, err)
		}
	}
	return nil
}

// DeleteApplication removes an application. Deleting a missing id is not an error.
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE id = ?`, id)
	return err
}

const applicationColumns = `id, billet_id, user_id, status, preference_rank, sync_status, retry_count, created_at, updated_at, sealed`

// GetApplication returns one application by id.
func (s *Store) GetApplication(ctx context.Context, id string) (*assignment.Application, error) {
	app, err := s.scanApplication(s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return app, err
}

// GetUserApplications returns every application of a user, oldest first.
func (s *Store) GetUserApplications(ctx context.Context, userID string) ([]*assignment.Application, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*assignment.Application
	for rows.Next() {
		app, err := s.scanApplication(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, app)
	}
	return results, rows.Err()
}

func (s *Store) scanApplication(row scanner) (*assignment.Application, error) {
	var app assignment.Application
	var status, syncStatus, createdAt, updatedAt string
	var rank sql.NullInt64
	var blob []byte
	if err := row.Scan(&app.ID, &app.BilletID, &app.UserID, &status, &rank, &syncStatus, &app.RetryCount,
		&createdAt, &updatedAt, &blob); err != nil {
		return nil, err
	}

	st, err := assignment.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("application %s: %w", app.ID, err)
	}
	app.Status = st
	app.SyncStatus = assignment.SyncStatus(syncStatus)
	if rank.Valid {
		app.SetRank(int(rank.Int64))
	}
	if app.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for application %s: %w", app.ID, err)
	}
	if app.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for application %s: %w", app.ID, err)
	}

	var sec appSecrets
	if err := s.sealer.Open(blob, &sec); err != nil {
		return nil, fmt.Errorf("opening application %s: %w", app.ID, err)
	}
	app.StatusHistory = sec.History
	app.LockToken = sec.LockToken
	app.LockExpiresAt = sec.LockExpiresAt
	app.ConfirmedAt = sec.ConfirmedAt
	app.RejectionReason = sec.RejectionReason
	return &app, nil
}

// --- Decisions ---

// SaveDecision upserts the user's decision for a billet.
func (s *Store) SaveDecision(ctx context.Context, d assignment.Decision) error {
	blob, err := s.sealer.Seal(string(d.Verb))
	if err != nil {
		return fmt.Errorf("sealing decision: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (user_id, billet_id, decided_at, sealed_verb) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, billet_id) DO UPDATE SET decided_at = excluded.decided_at, sealed_verb = excluded.sealed_verb`,
		d.UserID, d.BilletID, d.DecidedAt.UTC().Format(time.RFC3339Nano), blob,
	)
	return err
}

// RemoveDecision deletes a decision. Removing a missing decision is not an error.
func (s *Store) RemoveDecision(ctx context.Context, userID, billetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE user_id = ? AND billet_id = ?`, userID, billetID)
	return err
}

// GetDecisions returns every decision of a user.
func (s *Store) GetDecisions(ctx context.Context, userID string) ([]assignment.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT billet_id, decided_at, sealed_verb FROM decisions WHERE user_id = ? ORDER BY decided_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []assignment.Decision
	for rows.Next() {
		var billetID, decidedAt string
		var blob []byte
		if err := rows.Scan(&billetID, &decidedAt, &blob); err != nil {
			return nil, err
		}
		var verb string
		if err := s.sealer.Open(blob, &verb); err != nil {
			return nil, fmt.Errorf("opening decision for billet %s: %w", billetID, err)
		}
		t, err := time.Parse(time.RFC3339Nano, decidedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing decided_at for billet %s: %w", billetID, err)
		}
		results = append(results, assignment.Decision{
			UserID:    userID,
			BilletID:  billetID,
			Verb:      assignment.Verb(verb),
			DecidedAt: t,
		})
	}
	return results, rows.Err()
}

// --- Lock retries ---

type lockRetryPayload struct {
	ApplicationID string `json:"application_id"`
}

// EnqueueLockRetry schedules a durable lock retry for an application. It is a
// no-op when a retry for the application is already pending.
func (s *Store) EnqueueLockRetry(ctx context.Context, appID string, maxAttempts int) error {
	payload, err := json.Marshal(lockRetryPayload{ApplicationID: appID})
	if err != nil {
		return err
	}
	var pending int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE type = ? AND status = 'pending' AND payload_json = ?`,
		JobTypeLockRetry, string(payload),
	).Scan(&pending); err != nil {
		return fmt.Errorf("checking pending lock retries: %w", err)
	}
	if pending > 0 {
		return nil
	}
	return s.EnqueueJob(ctx, Job{
		ID:          uuid.New().String(),
		Type:        JobTypeLockRetry,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
		RunAfter:    time.Now().Add(RetryBackoff(1)),
	})
}

// LockRetryApplicationID extracts the application id from a lock_retry job.
func LockRetryApplicationID(job *Job) (string, error) {
	var p lockRetryPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	if p.ApplicationID == "" {
		return "", fmt.Errorf("lock_retry job %s has no application_id", job.ID)
	}
	return p.ApplicationID, nil
}
