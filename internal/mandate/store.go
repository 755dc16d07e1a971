package mandate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store is the transactional, dual-backend Mandate Authorization Store.
// All mutating operations execute inside a single serialized write
// transaction (BEGIN IMMEDIATE semantics) over one shared write connection,
// matching the Tool-Call Handler's concurrency contract in §5.
type Store struct {
	db         *sql.DB
	isPostgres bool
	writeMu    sync.Mutex
}

// Config selects the backend by DSN, exactly as internal/audit.StoreConfig
// does: a "postgres://"/"postgresql://" DSN selects pgx, otherwise the value
// is treated as a SQLite file path (or ":memory:" for an in-process store).
type Config struct {
	DSN string
}

// rebind rewrites a "?"-placeholder query into "$N" form for PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Open opens (and migrates) the mandate store.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "mandates.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres mandate store: %w", err)
		}
	} else {
		if dsn != ":memory:" {
			if dir := filepath.Dir(dsn); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create mandate store directory: %w", err)
				}
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite mandate store: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	// Single write connection: BEGIN IMMEDIATE must be serialized through
	// one logical connection so "a single shared write lock" (§5) holds
	// even under database/sql's pooled-connection model.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, isPostgres: isPostgres}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mandates (
			mandate_id TEXT PRIMARY KEY,
			mandate_kind TEXT NOT NULL,
			audience TEXT NOT NULL,
			issuer TEXT NOT NULL,
			expires_at TEXT,
			single_use INTEGER NOT NULL,
			max_uses INTEGER,
			use_count INTEGER NOT NULL DEFAULT 0,
			canonical_digest TEXT NOT NULL,
			key_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mandate_uses (
			use_id TEXT PRIMARY KEY,
			mandate_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			use_count INTEGER NOT NULL,
			consumed_at TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			operation_class TEXT NOT NULL,
			nonce TEXT,
			source_run_id TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mandate_uses_tool_call_id ON mandate_uses(tool_call_id)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			audience TEXT NOT NULL,
			issuer TEXT NOT NULL,
			nonce TEXT NOT NULL,
			mandate_id TEXT NOT NULL,
			PRIMARY KEY (audience, issuer, nonce)
		)`,
		`CREATE TABLE IF NOT EXISTS mandate_revocations (
			mandate_id TEXT PRIMARY KEY,
			revoked_at TEXT NOT NULL,
			reason TEXT,
			revoked_by TEXT,
			source TEXT,
			event_id TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate mandate store: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Metadata is the immutable content upserted for a mandate before it can be
// consumed.
type Metadata struct {
	MandateID       string
	MandateKind     Kind
	Audience        string
	Issuer          string
	ExpiresAt       *time.Time
	SingleUse       bool
	MaxUses         *uint32
	CanonicalDigest string
	KeyID           string
}

// UpsertMandate inserts mandate metadata, or verifies it against an existing
// row when the mandate_id already exists. Any field mismatch is a
// MandateConflict — never silently overwritten.
func (s *Store) UpsertMandate(ctx context.Context, meta Metadata) error {
	if meta.SingleUse && meta.MaxUses != nil && *meta.MaxUses != 1 {
		return &InvalidConstraintsError{MaxUses: *meta.MaxUses}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var expiresAt any
	if meta.ExpiresAt != nil {
		expiresAt = meta.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	var maxUses any
	if meta.MaxUses != nil {
		maxUses = int64(*meta.MaxUses)
	}

	insert := rebind(s.isPostgres, `
		INSERT INTO mandates (mandate_id, mandate_kind, audience, issuer, expires_at, single_use, max_uses, use_count, canonical_digest, key_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(mandate_id) DO NOTHING
	`)
	if _, err := s.db.ExecContext(ctx, insert,
		meta.MandateID, string(meta.MandateKind), meta.Audience, meta.Issuer, expiresAt,
		boolToInt(meta.SingleUse), maxUses, meta.CanonicalDigest, meta.KeyID,
		time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("upsert mandate: %w", err)
	}

	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT mandate_kind, audience, issuer, canonical_digest, key_id
		FROM mandates WHERE mandate_id = ?
	`), meta.MandateID)

	var kind, aud, iss, digest, key string
	if err := row.Scan(&kind, &aud, &iss, &digest, &key); err != nil {
		return fmt.Errorf("load mandate after upsert: %w", err)
	}

	switch {
	case kind != string(meta.MandateKind):
		return &ConflictError{MandateID: meta.MandateID, Field: "mandate_kind"}
	case aud != meta.Audience:
		return &ConflictError{MandateID: meta.MandateID, Field: "audience"}
	case iss != meta.Issuer:
		return &ConflictError{MandateID: meta.MandateID, Field: "issuer"}
	case digest != meta.CanonicalDigest:
		return &ConflictError{MandateID: meta.MandateID, Field: "canonical_digest"}
	case key != meta.KeyID:
		return &ConflictError{MandateID: meta.MandateID, Field: "key_id"}
	}
	return nil
}

// ConsumeParams parametrizes Consume.
type ConsumeParams struct {
	MandateID      string
	ToolCallID     string
	Nonce          string // empty means "no nonce supplied"
	Audience       string
	Issuer         string
	ToolName       string
	OperationClass OperationClass
	SourceRunID    string
}

// ComputeUseID returns the content-addressed use_id per §3:
// sha256:hex(SHA256("{mandate_id}:{tool_call_id}:{use_count}")).
func ComputeUseID(mandateID, toolCallID string, useCount uint32) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", mandateID, toolCallID, useCount)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Consume atomically consumes one use of a mandate, implementing the 8-step
// algorithm of §4.4. The whole operation runs inside one BEGIN IMMEDIATE
// transaction serialized by writeMu so concurrent callers observe a total
// order on use_count (Testable Property 3) and retries with the same
// tool_call_id are idempotent (Testable Property 4).
func (s *Store) Consume(ctx context.Context, p ConsumeParams) (Receipt, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("begin mandate transaction: %w", err)
	}
	receipt, err := s.consumeInner(ctx, tx, p)
	if err != nil {
		_ = tx.Rollback()
		return Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("commit mandate transaction: %w", err)
	}
	return receipt, nil
}

func (s *Store) consumeInner(ctx context.Context, tx *sql.Tx, p ConsumeParams) (Receipt, error) {
	// Step 1: idempotency check by tool_call_id.
	row := tx.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT use_id, use_count, consumed_at FROM mandate_uses WHERE tool_call_id = ?
	`), p.ToolCallID)
	var useID, consumedAtStr string
	var useCount int64
	switch err := row.Scan(&useID, &useCount, &consumedAtStr); {
	case err == nil:
		consumedAt, _ := time.Parse(time.RFC3339Nano, consumedAtStr)
		return Receipt{
			MandateID:  p.MandateID,
			UseID:      useID,
			UseCount:   uint32(useCount),
			ConsumedAt: consumedAt,
			ToolCallID: p.ToolCallID,
			WasNew:     false,
		}, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to new consumption
	default:
		return Receipt{}, fmt.Errorf("check mandate use idempotency: %w", err)
	}

	// Step 2: nonce replay check — atomic INSERT is the test, never
	// SELECT-then-INSERT.
	if p.Nonce != "" {
		_, err := tx.ExecContext(ctx, rebind(s.isPostgres, `
			INSERT INTO nonces (audience, issuer, nonce, mandate_id) VALUES (?, ?, ?, ?)
		`), p.Audience, p.Issuer, p.Nonce, p.MandateID)
		if err != nil {
			if isUniqueViolation(err) {
				return Receipt{}, &NonceReplayError{Nonce: p.Nonce}
			}
			return Receipt{}, fmt.Errorf("insert nonce: %w", err)
		}
	}

	// Step 3: load mandate.
	mrow := tx.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT use_count, single_use, max_uses FROM mandates WHERE mandate_id = ?
	`), p.MandateID)
	var currentCount int64
	var singleUse int
	var maxUses sql.NullInt64
	switch err := mrow.Scan(&currentCount, &singleUse, &maxUses); {
	case errors.Is(err, sql.ErrNoRows):
		return Receipt{}, &NotFoundError{MandateID: p.MandateID}
	case err != nil:
		return Receipt{}, fmt.Errorf("load mandate: %w", err)
	}

	// Step 4: revocation check (completes the algorithm the spec describes;
	// see DESIGN.md — the reference source exposes revocation lookups but
	// never calls them from inside consume_mandate_inner).
	rrow := tx.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT revoked_at FROM mandate_revocations WHERE mandate_id = ?
	`), p.MandateID)
	var revokedAtStr string
	switch err := rrow.Scan(&revokedAtStr); {
	case err == nil:
		revokedAt, _ := time.Parse(time.RFC3339Nano, revokedAtStr)
		return Receipt{}, &RevokedError{RevokedAt: revokedAt}
	case errors.Is(err, sql.ErrNoRows):
		// not revoked
	default:
		return Receipt{}, fmt.Errorf("check mandate revocation: %w", err)
	}

	// Step 5: single_use check.
	if singleUse != 0 && currentCount > 0 {
		return Receipt{}, &AlreadyUsedError{}
	}

	newCount := currentCount + 1

	// Step 6: max_uses check.
	if maxUses.Valid && newCount > maxUses.Int64 {
		return Receipt{}, &MaxUsesExceededError{Max: uint32(maxUses.Int64), Current: uint32(newCount)}
	}

	// Step 7: increment + insert use record with content-addressed use_id.
	if _, err := tx.ExecContext(ctx, rebind(s.isPostgres, `
		UPDATE mandates SET use_count = ? WHERE mandate_id = ?
	`), newCount, p.MandateID); err != nil {
		return Receipt{}, fmt.Errorf("advance mandate use_count: %w", err)
	}

	newUseID := ComputeUseID(p.MandateID, p.ToolCallID, uint32(newCount))
	consumedAt := time.Now().UTC()

	var nonce, sourceRunID any
	if p.Nonce != "" {
		nonce = p.Nonce
	}
	if p.SourceRunID != "" {
		sourceRunID = p.SourceRunID
	}

	if _, err := tx.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO mandate_uses (use_id, mandate_id, tool_call_id, use_count, consumed_at, tool_name, operation_class, nonce, source_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), newUseID, p.MandateID, p.ToolCallID, newCount, consumedAt.Format(time.RFC3339Nano),
		p.ToolName, p.OperationClass.String(), nonce, sourceRunID); err != nil {
		return Receipt{}, fmt.Errorf("insert mandate use record: %w", err)
	}

	// Step 8: commit happens in the caller.
	return Receipt{
		MandateID:  p.MandateID,
		UseID:      newUseID,
		UseCount:   uint32(newCount),
		ConsumedAt: consumedAt,
		ToolCallID: p.ToolCallID,
		WasNew:     true,
	}, nil
}

// RevokeMandate idempotently upserts a revocation record (§4.13).
func (s *Store) RevokeMandate(ctx context.Context, r Revocation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isPostgres {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO mandate_revocations (mandate_id, revoked_at, reason, revoked_by, source, event_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (mandate_id) DO UPDATE SET
				revoked_at = excluded.revoked_at, reason = excluded.reason,
				revoked_by = excluded.revoked_by, source = excluded.source, event_id = excluded.event_id
		`, r.MandateID, r.RevokedAt.UTC().Format(time.RFC3339Nano), r.Reason, r.RevokedBy, r.Source, r.EventID)
		if err != nil {
			return fmt.Errorf("upsert revocation: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandate_revocations (mandate_id, revoked_at, reason, revoked_by, source, event_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mandate_id) DO UPDATE SET
			revoked_at = excluded.revoked_at, reason = excluded.reason,
			revoked_by = excluded.revoked_by, source = excluded.source, event_id = excluded.event_id
	`, r.MandateID, r.RevokedAt.UTC().Format(time.RFC3339Nano), r.Reason, r.RevokedBy, r.Source, r.EventID)
	if err != nil {
		return fmt.Errorf("upsert revocation: %w", err)
	}
	return nil
}

// RevokedAt returns the revocation timestamp for a mandate, if revoked.
func (s *Store) RevokedAt(ctx context.Context, mandateID string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT revoked_at FROM mandate_revocations WHERE mandate_id = ?
	`), mandateID)
	var revokedAtStr string
	switch err := row.Scan(&revokedAtStr); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, fmt.Errorf("lookup revocation: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, revokedAtStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse revoked_at: %w", err)
	}
	return t, true, nil
}

// UseCount returns the current use_count for a mandate (test/debug helper,
// grounded on the reference source's get_use_count).
func (s *Store) UseCount(ctx context.Context, mandateID string) (uint32, bool, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT use_count FROM mandates WHERE mandate_id = ?
	`), mandateID)
	var count int64
	switch err := row.Scan(&count); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("lookup use_count: %w", err)
	}
	return uint32(count), true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
