/*
Package sqlite provides a SQLite-backed implementation of domain.TxStore.

PURPOSE:
  Persists applicants, scholarship records, incentive claims, coupons, users
  and the audit log. In production the same patterns apply to PostgreSQL
  with minor dialect differences (ON CONFLICT, partial indexes and RETURNING
  all exist there too).

IDEMPOTENCY VIA UNIQUE INDEXES:
  The engine never does read-then-write for keyed inserts. The database
  decides:
  - idx_claims_active_pair: UNIQUE(user_id, incentive_type) WHERE status <>
    'rejected'. At most one live claim per pair; rejected ones stay for audit.
  - idx_coupons_pair:       UNIQUE(user_id, incentive_type). One coupon per pair.
  - coupons.code:           UNIQUE COLLATE NOCASE. Codes are case-insensitive.
  - users.email:            UNIQUE. One user per normalized email.
  Inserts use ON CONFLICT DO NOTHING, then re-select the winner.

COMPARE-AND-SET:
  Status updates carry "AND status = ?" in the WHERE clause. Zero rows
  affected means someone else moved first: ConflictError (or NotFound if the
  row does not exist at all).

CONCURRENCY:
  The pool is capped at one connection, so SQLite sees one writer at a time
  and ":memory:" databases are shared by every caller. Inside WithTx, only
  the transaction handle may be used.

KEY TABLES:
  applicants:   Lifecycle status and frozen fee snapshot (fee_snapshot_json)
  scholarships: One row per applicant
  claims:       Incentive claims, never deleted
  coupons:      Discount codes with usage counter
  users:        Local identities keyed by email
  audit_log:    Append-only admin action history

USAGE:
  store, err := sqlite.New("./data/admissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - domain/store.go: Interface definitions
  - domain/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/admission-engine/domain"
)

// Store implements domain.TxStore using SQLite.
type Store struct {
	db *sqlx.DB
	repo
}

var _ domain.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, repo: repo{x: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applicants (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		mobile TEXT NOT NULL,
		gender TEXT NOT NULL,
		school TEXT NOT NULL,
		board TEXT NOT NULL,
		class TEXT NOT NULL,
		course_interest TEXT NOT NULL,
		batch_preference TEXT NOT NULL,
		source_category TEXT NOT NULL DEFAULT '',
		referrer_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		assigned_fee TEXT,
		final_fee TEXT,
		payment_scheme TEXT NOT NULL DEFAULT '',
		fee_snapshot_json TEXT,
		cashback_total TEXT,
		payment_method TEXT NOT NULL DEFAULT '',
		payment_reference TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applicants_status
		ON applicants(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_applicants_user
		ON applicants(user_id);

	CREATE TABLE IF NOT EXISTS scholarships (
		applicant_id TEXT PRIMARY KEY REFERENCES applicants(id),
		is_government_school BOOLEAN NOT NULL,
		years_in_government_school INTEGER NOT NULL,
		is_low_income BOOLEAN NOT NULL,
		percentage INTEGER NOT NULL,
		verification_status TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		incentive_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		coupon_code TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		handle TEXT NOT NULL DEFAULT '',
		utr TEXT NOT NULL DEFAULT '',
		screenshot_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- CRITICAL: one live claim per (user, incentive type)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_active_pair
		ON claims(user_id, incentive_type) WHERE status <> 'rejected';
	CREATE INDEX IF NOT EXISTS idx_claims_user
		ON claims(user_id, created_at);

	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE COLLATE NOCASE,
		user_id TEXT NOT NULL,
		incentive_type TEXT NOT NULL,
		discount_type TEXT NOT NULL,
		discount_value TEXT NOT NULL,
		valid_from DATETIME NOT NULL,
		valid_until DATETIME NOT NULL,
		max_uses INTEGER NOT NULL,
		used_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	-- CRITICAL: one coupon per (user, incentive type)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_coupons_pair
		ON coupons(user_id, incentive_type);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp DATETIME NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject
		ON audit_log(subject_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (domain.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store domain.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&repo{x: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// repo runs every query against either the pool or an open transaction.
type repo struct {
	x sqlx.ExtContext
}

var _ domain.Store = (*repo)(nil)

// =============================================================================
// APPLICANT STORE
// =============================================================================

const applicantColumns = `id, user_id, name, email, mobile, gender, school, board, class,
	course_interest, batch_preference, source_category, referrer_name, status,
	assigned_fee, final_fee, payment_scheme, fee_snapshot_json, cashback_total,
	payment_method, payment_reference, rejection_reason, created_at, updated_at`

type applicantRow struct {
	domain.Applicant
	SnapshotJSON sql.NullString `db:"fee_snapshot_json"`
}

func toApplicantRow(a *domain.Applicant) (applicantRow, error) {
	row := applicantRow{Applicant: *a}
	if a.FeeSnapshot != nil {
		b, err := json.Marshal(a.FeeSnapshot)
		if err != nil {
			return row, errors.Wrap(err, "encode fee snapshot")
		}
		row.SnapshotJSON = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

func (r applicantRow) applicant() (*domain.Applicant, error) {
	a := r.Applicant
	if r.SnapshotJSON.Valid && r.SnapshotJSON.String != "" {
		var fb domain.FeeBreakdown
		if err := json.Unmarshal([]byte(r.SnapshotJSON.String), &fb); err != nil {
			return nil, errors.Wrapf(err, "decode fee snapshot for %s", a.ID)
		}
		a.FeeSnapshot = &fb
	}
	return &a, nil
}

func (r *repo) CreateApplicant(ctx context.Context, a *domain.Applicant, s *domain.ScholarshipRecord) error {
	row, err := toApplicantRow(a)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, r.x, `
		INSERT INTO applicants (`+applicantColumns+`)
		VALUES (:id, :user_id, :name, :email, :mobile, :gender, :school, :board, :class,
			:course_interest, :batch_preference, :source_category, :referrer_name, :status,
			:assigned_fee, :final_fee, :payment_scheme, :fee_snapshot_json, :cashback_total,
			:payment_method, :payment_reference, :rejection_reason, :created_at, :updated_at)
	`, row)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.ConflictError{Entity: "applicant", ID: string(a.ID)}
		}
		return errors.Wrap(err, "failed to insert applicant")
	}
	if s == nil {
		return nil
	}
	_, err = sqlx.NamedExecContext(ctx, r.x, `
		INSERT INTO scholarships (applicant_id, is_government_school, years_in_government_school,
			is_low_income, percentage, verification_status, updated_at)
		VALUES (:applicant_id, :is_government_school, :years_in_government_school,
			:is_low_income, :percentage, :verification_status, :updated_at)
	`, s)
	return errors.Wrap(err, "failed to insert scholarship")
}

func (r *repo) GetApplicant(ctx context.Context, id domain.ApplicantID) (*domain.Applicant, error) {
	var row applicantRow
	err := sqlx.GetContext(ctx, r.x, &row, `SELECT `+applicantColumns+` FROM applicants WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("applicant", string(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get applicant")
	}
	return row.applicant()
}

func (r *repo) ListApplicants(ctx context.Context, status domain.ApplicantStatus) ([]domain.Applicant, error) {
	query := `SELECT ` + applicantColumns + ` FROM applicants`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	var rows []applicantRow
	if err := sqlx.SelectContext(ctx, r.x, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list applicants")
	}
	out := make([]domain.Applicant, 0, len(rows))
	for _, row := range rows {
		a, err := row.applicant()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *repo) UpdateApplicant(ctx context.Context, a *domain.Applicant, expected domain.ApplicantStatus) error {
	row, err := toApplicantRow(a)
	if err != nil {
		return err
	}
	query, args, err := sqlx.Named(`
		UPDATE applicants SET
			status = :status,
			assigned_fee = :assigned_fee,
			final_fee = :final_fee,
			payment_scheme = :payment_scheme,
			fee_snapshot_json = :fee_snapshot_json,
			cashback_total = :cashback_total,
			payment_method = :payment_method,
			payment_reference = :payment_reference,
			rejection_reason = :rejection_reason,
			updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return errors.Wrap(err, "failed to bind applicant update")
	}
	res, err := r.x.ExecContext(ctx, query+` AND status = ?`, append(args, expected)...)
	if err != nil {
		return errors.Wrap(err, "failed to update applicant")
	}
	return r.checkCAS(ctx, res, "applicant", string(a.ID), `SELECT COUNT(1) FROM applicants WHERE id = ?`)
}

func (r *repo) GetScholarship(ctx context.Context, id domain.ApplicantID) (*domain.ScholarshipRecord, error) {
	var rec domain.ScholarshipRecord
	err := sqlx.GetContext(ctx, r.x, &rec, `
		SELECT applicant_id, is_government_school, years_in_government_school, is_low_income,
			percentage, verification_status, updated_at
		FROM scholarships WHERE applicant_id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("scholarship", string(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scholarship")
	}
	return &rec, nil
}

func (r *repo) UpdateScholarship(ctx context.Context, rec *domain.ScholarshipRecord, expected domain.VerificationStatus) error {
	res, err := r.x.ExecContext(ctx, `
		UPDATE scholarships SET verification_status = ?, percentage = ?, updated_at = ?
		WHERE applicant_id = ? AND verification_status = ?
	`, rec.VerificationStatus, rec.Percentage, rec.UpdatedAt, rec.ApplicantID, expected)
	if err != nil {
		return errors.Wrap(err, "failed to update scholarship")
	}
	return r.checkCAS(ctx, res, "scholarship", string(rec.ApplicantID), `SELECT COUNT(1) FROM scholarships WHERE applicant_id = ?`)
}

// =============================================================================
// CLAIM STORE
// =============================================================================

const claimColumns = `id, user_id, incentive_type, amount, status, coupon_code,
	subscription_id, channel_id, handle, utr, screenshot_ref, created_at, updated_at`

func (r *repo) InsertClaimIfAbsent(ctx context.Context, c *domain.IncentiveClaim) (*domain.IncentiveClaim, bool, error) {
	res, err := sqlx.NamedExecContext(ctx, r.x, `
		INSERT INTO claims (`+claimColumns+`)
		VALUES (:id, :user_id, :incentive_type, :amount, :status, :coupon_code,
			:subscription_id, :channel_id, :handle, :utr, :screenshot_ref, :created_at, :updated_at)
		ON CONFLICT DO NOTHING
	`, c)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert claim")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		out := *c
		return &out, true, nil
	}

	var existing domain.IncentiveClaim
	err = sqlx.GetContext(ctx, r.x, &existing, `
		SELECT `+claimColumns+` FROM claims
		WHERE user_id = ? AND incentive_type = ? AND status <> 'rejected'
	`, c.UserID, c.Type)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to load existing claim")
	}
	return &existing, false, nil
}

func (r *repo) GetClaim(ctx context.Context, id domain.ClaimID) (*domain.IncentiveClaim, error) {
	var c domain.IncentiveClaim
	err := sqlx.GetContext(ctx, r.x, &c, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("claim", string(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get claim")
	}
	return &c, nil
}

func (r *repo) ListClaims(ctx context.Context, userID domain.UserID) ([]domain.IncentiveClaim, error) {
	var claims []domain.IncentiveClaim
	err := sqlx.SelectContext(ctx, r.x, &claims,
		`SELECT `+claimColumns+` FROM claims WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list claims")
	}
	return claims, nil
}

func (r *repo) UpdateClaimStatus(ctx context.Context, id domain.ClaimID, expected, next domain.ClaimStatus, at time.Time) error {
	res, err := r.x.ExecContext(ctx,
		`UPDATE claims SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, at, id, expected)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &domain.ConflictError{Entity: "claim", ID: string(id)}
		}
		return errors.Wrap(err, "failed to update claim")
	}
	return r.checkCAS(ctx, res, "claim", string(id), `SELECT COUNT(1) FROM claims WHERE id = ?`)
}

// =============================================================================
// COUPON STORE
// =============================================================================

const couponColumns = `id, code, user_id, incentive_type, discount_type, discount_value,
	valid_from, valid_until, max_uses, used_count, created_at`

func (r *repo) InsertCouponIfAbsent(ctx context.Context, c *domain.Coupon) (*domain.Coupon, bool, error) {
	row := *c
	row.Code = domain.NormalizeCode(c.Code)
	res, err := sqlx.NamedExecContext(ctx, r.x, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (:id, :code, :user_id, :incentive_type, :discount_type, :discount_value,
			:valid_from, :valid_until, :max_uses, :used_count, :created_at)
		ON CONFLICT DO NOTHING
	`, row)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to insert coupon")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &row, true, nil
	}

	existing, err := r.FindCoupon(ctx, c.UserID, c.IncentiveType)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Nothing owns the pair, so the conflict was on the code.
		return nil, false, domain.ErrCouponCodeTaken
	}
	return existing, false, nil
}

func (r *repo) FindCoupon(ctx context.Context, userID domain.UserID, t domain.IncentiveType) (*domain.Coupon, error) {
	var c domain.Coupon
	err := sqlx.GetContext(ctx, r.x, &c,
		`SELECT `+couponColumns+` FROM coupons WHERE user_id = ? AND incentive_type = ?`, userID, t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find coupon")
	}
	return &c, nil
}

func (r *repo) GetCouponByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	var c domain.Coupon
	err := sqlx.GetContext(ctx, r.x, &c,
		`SELECT `+couponColumns+` FROM coupons WHERE code = ?`, domain.NormalizeCode(code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("coupon", code)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get coupon")
	}
	return &c, nil
}

func (r *repo) CouponCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, r.x, &n, `SELECT COUNT(1) FROM coupons WHERE code = ?`, domain.NormalizeCode(code))
	if err != nil {
		return false, errors.Wrap(err, "failed to check coupon code")
	}
	return n > 0, nil
}

func (r *repo) IncrementCouponUse(ctx context.Context, code string, expectedUsed int) error {
	code = domain.NormalizeCode(code)
	res, err := r.x.ExecContext(ctx,
		`UPDATE coupons SET used_count = used_count + 1 WHERE code = ? AND used_count = ?`,
		code, expectedUsed)
	if err != nil {
		return errors.Wrap(err, "failed to redeem coupon")
	}
	return r.checkCAS(ctx, res, "coupon", code, `SELECT COUNT(1) FROM coupons WHERE code = ?`)
}

// =============================================================================
// USER STORE
// =============================================================================

func (r *repo) UpsertUserByEmail(ctx context.Context, email, displayName string) (*domain.User, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, &domain.ValidationError{Fields: map[string]string{"email": "is required"}}
	}
	now := time.Now().UTC()
	_, err := r.x.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END,
			updated_at = excluded.updated_at
	`, domain.NewID(domain.PrefixUser), email, displayName, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert user")
	}

	var u domain.User
	err = sqlx.GetContext(ctx, r.x, &u,
		`SELECT id, email, display_name, created_at, updated_at FROM users WHERE email = ?`, email)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load user")
	}
	return &u, nil
}

func (r *repo) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	err := sqlx.GetContext(ctx, r.x, &u,
		`SELECT id, email, display_name, created_at, updated_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("user", string(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user")
	}
	return &u, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRow struct {
	ID          string             `db:"id"`
	Timestamp   time.Time          `db:"timestamp"`
	ActorID     string             `db:"actor_id"`
	Action      domain.AuditAction `db:"action"`
	SubjectID   string             `db:"subject_id"`
	PayloadJSON sql.NullString     `db:"payload_json"`
}

func (r *repo) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return errors.Wrap(err, "encode audit payload")
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := r.x.ExecContext(ctx, `
		INSERT INTO audit_log (id, timestamp, actor_id, action, subject_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp, e.ActorID, e.Action, e.SubjectID, payload)
	return errors.Wrap(err, "failed to append audit entry")
}

func (r *repo) QueryAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT id, timestamp, actor_id, action, subject_id, payload_json FROM audit_log WHERE 1 = 1`
	var args []any
	if f.SubjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, f.SubjectID)
	}
	if len(f.Actions) > 0 {
		query += ` AND action IN (?)`
		args = append(args, f.Actions)
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand audit query")
	}

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, r.x, &rows, r.x.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to query audit log")
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		e := domain.AuditEntry{
			ID:        row.ID,
			Timestamp: row.Timestamp,
			ActorID:   row.ActorID,
			Action:    row.Action,
			SubjectID: row.SubjectID,
		}
		if row.PayloadJSON.Valid {
			if err := json.Unmarshal([]byte(row.PayloadJSON.String), &e.Payload); err != nil {
				return nil, errors.Wrapf(err, "decode audit payload %s", row.ID)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// checkCAS turns a zero-row conditional update into NotFound or Conflict.
func (r *repo) checkCAS(ctx context.Context, res sql.Result, entity, id, existsQuery string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := sqlx.GetContext(ctx, r.x, &count, existsQuery, id); err != nil {
		return errors.Wrapf(err, "failed to check %s existence", entity)
	}
	if count == 0 {
		return domain.NotFound(entity, id)
	}
	return &domain.ConflictError{Entity: entity, ID: id}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
