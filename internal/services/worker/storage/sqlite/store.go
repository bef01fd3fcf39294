package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/pay2ping/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/pay2ping/internal/services/worker/domain"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage"
	"github.com/louisbranch/pay2ping/internal/services/worker/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const stakeColumns = `
	escrow_id,
	initializer_id,
	beneficiary_id,
	vault_id,
	stake_amount,
	attendee_contact,
	meeting_id,
	meeting_end_time,
	status,
	last_confirmation_ref,
	attempt_count,
	lease_owner,
	lease_expires_at,
	release_started_at,
	last_error,
	created_at,
	updated_at`

// Store provides SQLite-backed stake persistence.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

// Open opens a stake SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// BEGIN IMMEDIATE takes the write lock up front so read-check-write
	// sequences inside one transaction cannot interleave across processes.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, clock: time.Now}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

// Append inserts a new stake record in the scheduled state.
func (s *Store) Append(ctx context.Context, record domain.Stake) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.EscrowID = strings.TrimSpace(record.EscrowID)
	record.MeetingID = strings.TrimSpace(record.MeetingID)
	if err := record.Validate(); err != nil {
		return err
	}
	if record.StakeAmount > math.MaxInt64 {
		return fmt.Errorf("%w: stake amount exceeds storage range", domain.ErrInvalidStake)
	}
	now := s.now()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start append transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO stakes (
	escrow_id,
	initializer_id,
	beneficiary_id,
	vault_id,
	stake_amount,
	attendee_contact,
	meeting_id,
	meeting_end_time,
	meeting_end_ms,
	status,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.EscrowID,
		strings.TrimSpace(record.InitializerID),
		strings.TrimSpace(record.BeneficiaryID),
		strings.TrimSpace(record.VaultID),
		int64(record.StakeAmount),
		strings.TrimSpace(record.AttendeeContact),
		record.MeetingID,
		formatEndTime(record.MeetingEndTime),
		toMillis(record.MeetingEndTime),
		domain.StatusScheduled,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateEscrow, record.EscrowID)
		}
		return fmt.Errorf("append stake: %w", err)
	}
	if err := insertTransition(ctx, tx, storage.Transition{
		EscrowID:  record.EscrowID,
		To:        domain.StatusScheduled,
		Detail:    "created",
		CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Get returns one stake record.
func (s *Store) Get(ctx context.Context, escrowID string) (storage.StakeRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.StakeRecord{}, err
	}
	escrowID = strings.TrimSpace(escrowID)
	if escrowID == "" {
		return storage.StakeRecord{}, fmt.Errorf("escrow id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE escrow_id = ?`, escrowID)
	record, err := scanStake(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.StakeRecord{}, storage.ErrNotFound
		}
		return storage.StakeRecord{}, fmt.Errorf("get stake: %w", err)
	}
	return record, nil
}

// FindEligible returns records in a retryable status whose meeting ended
// within [now-lookback, now]. The window is applied in SQL on meeting_end_ms;
// rows without it fall back to parsing the stored text, and rows whose text
// does not parse are logged and skipped.
func (s *Store) FindEligible(ctx context.Context, now time.Time, lookback time.Duration) ([]storage.StakeRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if lookback <= 0 {
		return nil, fmt.Errorf("lookback must be greater than zero")
	}
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()
	windowStart := now.Add(-lookback)

	statuses := domain.EligibleStatuses()
	args := make([]any, 0, len(statuses)+2)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, toMillis(windowStart), toMillis(now))
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+stakeColumns+`
FROM stakes
WHERE status IN (`+placeholders(len(statuses))+`)
AND (meeting_end_ms IS NULL OR meeting_end_ms BETWEEN ? AND ?)
ORDER BY meeting_end_ms, escrow_id
`, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible stakes: %w", err)
	}
	defer rows.Close()

	eligible := make([]storage.StakeRecord, 0)
	for rows.Next() {
		record, err := scanStake(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan eligible stake: %w", err)
		}
		if record.MeetingEndTime.IsZero() {
			log.Printf("stake %s: invalid meeting end time %q, excluded from reconciliation", record.EscrowID, record.MeetingEndRaw)
			continue
		}
		if record.MeetingEndTime.Before(windowStart) || record.MeetingEndTime.After(now) {
			continue
		}
		eligible = append(eligible, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible stakes: %w", err)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].MeetingEndTime.Equal(eligible[j].MeetingEndTime) {
			return eligible[i].MeetingEndTime.Before(eligible[j].MeetingEndTime)
		}
		return eligible[i].EscrowID < eligible[j].EscrowID
	})
	return eligible, nil
}

// UpdateStatus moves one record to update.Status when the edge is legal and
// appends a transition row in the same transaction. The lease is cleared; a
// requeue to scheduled also resets the attempt counter.
func (s *Store) UpdateStatus(ctx context.Context, escrowID string, update storage.StatusUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	escrowID = strings.TrimSpace(escrowID)
	if escrowID == "" {
		return fmt.Errorf("escrow id is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = s.now()
	}
	update.UpdatedAt = update.UpdatedAt.UTC()
	update.ConfirmationRef = strings.TrimSpace(update.ConfirmationRef)
	update.Owner = strings.TrimSpace(update.Owner)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start update transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current domain.Status
	var leaseOwner string
	err = tx.QueryRowContext(ctx, `SELECT status, lease_owner FROM stakes WHERE escrow_id = ?`, escrowID).Scan(&current, &leaseOwner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, escrowID)
		}
		return fmt.Errorf("read stake status: %w", err)
	}
	if err := domain.CheckTransition(current, update.Status); err != nil {
		return fmt.Errorf("update stake %s: %w", escrowID, err)
	}
	if update.Owner != "" && current == domain.StatusProcessing && leaseOwner != update.Owner {
		return fmt.Errorf("update stake %s: %w", escrowID, storage.ErrLeaseNotHeld)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE stakes
SET
	status = ?,
	last_confirmation_ref = CASE WHEN ? <> '' THEN ? ELSE last_confirmation_ref END,
	last_error = ?,
	attempt_count = CASE WHEN ? = ? THEN 0 ELSE attempt_count END,
	lease_owner = '',
	lease_expires_at = NULL,
	updated_at = ?
WHERE escrow_id = ?
AND status = ?
`,
		update.Status,
		update.ConfirmationRef,
		update.ConfirmationRef,
		strings.TrimSpace(update.Detail),
		update.Status,
		domain.StatusScheduled,
		toMillis(update.UpdatedAt),
		escrowID,
		current,
	)
	if err != nil {
		return fmt.Errorf("update stake status: %w", err)
	}
	if err := expectOneRow(result, "update stake status"); err != nil {
		return err
	}
	if err := insertTransition(ctx, tx, storage.Transition{
		EscrowID:        escrowID,
		From:            current,
		To:              update.Status,
		ConfirmationRef: update.ConfirmationRef,
		Detail:          update.Detail,
		CreatedAt:       update.UpdatedAt,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// ClaimForProcessing moves an eligible record to processing under a lease.
func (s *Store) ClaimForProcessing(ctx context.Context, escrowID string, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	escrowID = strings.TrimSpace(escrowID)
	owner = strings.TrimSpace(owner)
	if escrowID == "" {
		return false, fmt.Errorf("escrow id is required")
	}
	if owner == "" {
		return false, fmt.Errorf("lease owner is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be greater than zero")
	}
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("start claim transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM stakes WHERE escrow_id = ?`, escrowID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", storage.ErrNotFound, escrowID)
		}
		return false, fmt.Errorf("read stake status: %w", err)
	}
	if !current.IsEligible() {
		return false, nil
	}

	result, err := tx.ExecContext(ctx, `
UPDATE stakes
SET
	status = ?,
	lease_owner = ?,
	lease_expires_at = ?,
	release_started_at = NULL,
	attempt_count = attempt_count + 1,
	updated_at = ?
WHERE escrow_id = ?
AND status = ?
`,
		domain.StatusProcessing,
		owner,
		toMillis(now.Add(ttl)),
		toMillis(now),
		escrowID,
		current,
	)
	if err != nil {
		return false, fmt.Errorf("claim stake %s: %w", escrowID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected for %s: %w", escrowID, err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := insertTransition(ctx, tx, storage.Transition{
		EscrowID:  escrowID,
		From:      current,
		To:        domain.StatusProcessing,
		Detail:    "leased by " + owner,
		CreatedAt: now,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}

// MarkReleaseStarted stamps the record before a disbursement is submitted so
// that a crash afterwards is recovered as an unknown outcome.
func (s *Store) MarkReleaseStarted(ctx context.Context, escrowID string, owner string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	escrowID = strings.TrimSpace(escrowID)
	owner = strings.TrimSpace(owner)
	if escrowID == "" {
		return fmt.Errorf("escrow id is required")
	}
	if owner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if now.IsZero() {
		now = s.now()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE stakes
SET
	release_started_at = ?,
	updated_at = ?
WHERE escrow_id = ?
AND status = ?
AND lease_owner = ?
`,
		toMillis(now.UTC()),
		toMillis(now.UTC()),
		escrowID,
		domain.StatusProcessing,
		owner,
	)
	if err != nil {
		return fmt.Errorf("mark release started: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark release started rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mark release started %s: %w", escrowID, storage.ErrLeaseNotHeld)
	}
	return nil
}

// RecoverExpiredLeases moves processing rows with an expired lease out of
// processing. A release that may have been submitted goes to review; one that
// never started goes back to the retryable checking error.
func (s *Store) RecoverExpiredLeases(ctx context.Context, now time.Time) ([]storage.LeaseRecovery, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start recovery transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT escrow_id, lease_owner, release_started_at
FROM stakes
WHERE status = ?
AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
ORDER BY escrow_id ASC
`, domain.StatusProcessing, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("select expired leases: %w", err)
	}
	recoveries := make([]storage.LeaseRecovery, 0)
	for rows.Next() {
		var recovery storage.LeaseRecovery
		var releaseStarted sql.NullInt64
		if err := rows.Scan(&recovery.EscrowID, &recovery.Owner, &releaseStarted); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		recovery.To = domain.StatusErrorChecking
		if releaseStarted.Valid {
			recovery.To = domain.StatusNeedsReview
		}
		recoveries = append(recoveries, recovery)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close expired leases: %w", err)
	}

	for _, recovery := range recoveries {
		detail := "lease expired before attendance verification finished"
		if recovery.To == domain.StatusNeedsReview {
			detail = "lease expired after release was submitted; outcome unknown"
		}
		result, err := tx.ExecContext(ctx, `
UPDATE stakes
SET
	status = ?,
	lease_owner = '',
	lease_expires_at = NULL,
	last_error = ?,
	updated_at = ?
WHERE escrow_id = ?
AND status = ?
`,
			recovery.To,
			detail,
			toMillis(now),
			recovery.EscrowID,
			domain.StatusProcessing,
		)
		if err != nil {
			return nil, fmt.Errorf("recover lease %s: %w", recovery.EscrowID, err)
		}
		if err := expectOneRow(result, "recover lease "+recovery.EscrowID); err != nil {
			return nil, err
		}
		if err := insertTransition(ctx, tx, storage.Transition{
			EscrowID:  recovery.EscrowID,
			From:      domain.StatusProcessing,
			To:        recovery.To,
			Detail:    detail,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recovery: %w", err)
	}
	return recoveries, nil
}

// ListNeedsAttention lists records waiting for an operator, oldest first.
func (s *Store) ListNeedsAttention(ctx context.Context, limit int) ([]storage.StakeRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	statuses := domain.AttentionStatuses()
	args := make([]any, 0, len(statuses)+1)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, limit)
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+stakeColumns+`
FROM stakes
WHERE status IN (`+placeholders(len(statuses))+`)
ORDER BY updated_at ASC, escrow_id ASC
LIMIT ?
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list stakes needing attention: %w", err)
	}
	defer rows.Close()

	records := make([]storage.StakeRecord, 0, limit)
	for rows.Next() {
		record, err := scanStake(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stake needing attention: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stakes needing attention: %w", err)
	}
	return records, nil
}

// ListTransitions returns the status history of one record, oldest first.
func (s *Store) ListTransitions(ctx context.Context, escrowID string) ([]storage.Transition, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	escrowID = strings.TrimSpace(escrowID)
	if escrowID == "" {
		return nil, fmt.Errorf("escrow id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, escrow_id, from_status, to_status, confirmation_ref, detail, created_at
FROM stake_transitions
WHERE escrow_id = ?
ORDER BY id ASC
`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]storage.Transition, 0)
	for rows.Next() {
		var transition storage.Transition
		var createdAt int64
		if err := rows.Scan(
			&transition.ID,
			&transition.EscrowID,
			&transition.From,
			&transition.To,
			&transition.ConfirmationRef,
			&transition.Detail,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		transition.CreatedAt = fromMillis(createdAt)
		transitions = append(transitions, transition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return transitions, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, transition storage.Transition) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO stake_transitions (
	escrow_id,
	from_status,
	to_status,
	confirmation_ref,
	detail,
	created_at
) VALUES (?, ?, ?, ?, ?, ?)
`,
		transition.EscrowID,
		transition.From,
		transition.To,
		transition.ConfirmationRef,
		strings.TrimSpace(transition.Detail),
		toMillis(transition.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record transition for %s: %w", transition.EscrowID, err)
	}
	return nil
}

func scanStake(scan func(dest ...any) error) (storage.StakeRecord, error) {
	var record storage.StakeRecord
	var amount int64
	var leaseExpiresAt, releaseStartedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := scan(
		&record.EscrowID,
		&record.InitializerID,
		&record.BeneficiaryID,
		&record.VaultID,
		&amount,
		&record.AttendeeContact,
		&record.MeetingID,
		&record.MeetingEndRaw,
		&record.Status,
		&record.LastConfirmationRef,
		&record.AttemptCount,
		&record.LeaseOwner,
		&leaseExpiresAt,
		&releaseStartedAt,
		&record.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.StakeRecord{}, err
	}
	if amount > 0 {
		record.StakeAmount = uint64(amount)
	}
	record.MeetingEndTime = parseEndTime(record.MeetingEndRaw)
	if leaseExpiresAt.Valid {
		record.LeaseExpiresAt = fromMillis(leaseExpiresAt.Int64)
	}
	if releaseStartedAt.Valid {
		record.ReleaseStartedAt = fromMillis(releaseStartedAt.Int64)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func formatEndTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

// parseEndTime accepts the RFC 3339 forms written by Append and by earlier
// imports; it returns the zero time when the value does not parse.
func parseEndTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z07:00"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func expectOneRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

var _ storage.Store = (*Store)(nil)
