package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"certify/pkg/requestcontext"
)

// ledgerLockKey serializes appends to the event chain across processes.
const ledgerLockKey int64 = 0x63657274696679

// PostgresLedger is an Anchor stored in PostgreSQL. anchor_entries holds
// current state and anchor_events the hash-chained history; both are only
// ever inserted into or flagged revoked.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger constructs a PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

var _ Anchor = (*PostgresLedger)(nil)

// Grant allows authority to act for issuerID.
func (l *PostgresLedger) Grant(ctx context.Context, issuerID, authority string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO anchor_authorities (issuer_id, authority)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, issuerID, authority)
	if err != nil {
		return fmt.Errorf("grant authority: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Issue(ctx context.Context, authority string, req IssueRequest) (Receipt, error) {
	var receipt Receipt
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		r, err := l.issueTx(ctx, tx, authority, req)
		receipt = r
		return err
	})
	return receipt, err
}

func (l *PostgresLedger) issueTx(ctx context.Context, tx *sql.Tx, authority string, req IssueRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, reject("issue", req.CredentialID, err)
	}
	allowed, err := allowedTx(ctx, tx, req.IssuerID, authority)
	if err != nil {
		return Receipt{}, err
	}
	if !allowed {
		return Receipt{}, reject("issue", req.CredentialID, ErrUnauthorized)
	}

	now := requestcontext.Now(ctx)
	ev, err := appendEventTx(ctx, tx, Event{
		Kind:           EventIssued,
		CredentialID:   req.CredentialID,
		Authority:      authority,
		ContentHash:    req.ContentHash,
		CommitmentRoot: req.CommitmentRoot,
		At:             now,
	})
	if err != nil {
		return Receipt{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_entries (credential_id, content_hash, commitment_root, pointer, issuer_id,
			holder_id, schema_id, expires_at, issued_tx, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (credential_id) DO NOTHING
	`, req.CredentialID, req.ContentHash, req.CommitmentRoot, req.Pointer, req.IssuerID,
		req.HolderID, req.Schema, nullTime(req.Expiry), ev.Hash, now)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert anchor entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Receipt{}, reject("issue", req.CredentialID, ErrAlreadyIssued)
	}
	return Receipt{CredentialID: req.CredentialID, TxRef: ev.Hash, Status: ReceiptConfirmed}, nil
}

func (l *PostgresLedger) Verify(ctx context.Context, credentialID, contentHash string) (bool, Status, error) {
	entry, err := l.Lookup(ctx, credentialID)
	if errors.Is(err, ErrNotFound) {
		return false, StatusNotFound, nil
	}
	if err != nil {
		return false, "", err
	}
	ok, status := Evaluate(&entry, contentHash, requestcontext.Now(ctx))
	return ok, status, nil
}

func (l *PostgresLedger) Revoke(ctx context.Context, authority, credentialID, reason string) (Receipt, error) {
	var receipt Receipt
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		entry, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+" WHERE credential_id = $1 FOR UPDATE", credentialID))
		if errors.Is(err, sql.ErrNoRows) {
			return reject("revoke", credentialID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load anchor entry: %w", err)
		}
		allowed, err := allowedTx(ctx, tx, entry.IssuerID, authority)
		if err != nil {
			return err
		}
		if !allowed {
			return reject("revoke", credentialID, ErrUnauthorized)
		}
		if entry.Revoked {
			return reject("revoke", credentialID, ErrAlreadyRevoked)
		}

		now := requestcontext.Now(ctx)
		ev, err := appendEventTx(ctx, tx, Event{
			Kind:         EventRevoked,
			CredentialID: credentialID,
			Authority:    authority,
			ContentHash:  entry.ContentHash,
			Reason:       reason,
			At:           now,
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE anchor_entries
			SET revoked = TRUE, revoked_reason = $2, revoked_tx = $3, revoked_at = $4
			WHERE credential_id = $1 AND NOT revoked
		`, credentialID, reason, ev.Hash, now); err != nil {
			return fmt.Errorf("revoke anchor entry: %w", err)
		}
		receipt = Receipt{CredentialID: credentialID, TxRef: ev.Hash, Status: ReceiptConfirmed}
		return nil
	})
	return receipt, err
}

// BatchIssue anchors each request in its own transaction so one rejection
// leaves the rest of the batch intact.
func (l *PostgresLedger) BatchIssue(ctx context.Context, authority string, reqs []IssueRequest) ([]Receipt, error) {
	receipts := make([]Receipt, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return receipts[:i], err
		}
		r, err := l.Issue(ctx, authority, req)
		if err != nil {
			receipts[i] = Receipt{CredentialID: req.CredentialID, Status: ReceiptRejected, Err: err}
			continue
		}
		receipts[i] = r
	}
	return receipts, nil
}

const selectEntry = `
	SELECT credential_id, content_hash, commitment_root, pointer, issuer_id, holder_id, schema_id,
		expires_at, revoked, revoked_reason, issued_tx, revoked_tx, issued_at, revoked_at
	FROM anchor_entries`

func (l *PostgresLedger) Lookup(ctx context.Context, credentialID string) (Entry, error) {
	entry, err := scanEntry(l.db.QueryRowContext(ctx, selectEntry+" WHERE credential_id = $1", credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, reject("lookup", credentialID, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup anchor entry: %w", err)
	}
	return entry, nil
}

// Events returns the event log in sequence order.
func (l *PostgresLedger) Events(ctx context.Context) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, kind, credential_id, authority, content_hash, commitment_root, reason, prev_hash, tx_ref, created_at
		FROM anchor_events
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list anchor events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Seq, &ev.Kind, &ev.CredentialID, &ev.Authority, &ev.ContentHash,
			&ev.CommitmentRoot, &ev.Reason, &ev.PrevHash, &ev.Hash, &ev.At); err != nil {
			return nil, fmt.Errorf("scan anchor event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (l *PostgresLedger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin anchor tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit anchor tx: %w", err)
	}
	return nil
}

func allowedTx(ctx context.Context, tx *sql.Tx, issuerID, authority string) (bool, error) {
	if authority == "" {
		return false, nil
	}
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM anchor_authorities WHERE issuer_id = $1 AND authority = $2)
	`, issuerID, authority).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check authority: %w", err)
	}
	return exists, nil
}

// appendEventTx takes the chain lock, links ev to the current head and inserts
// it. The lock is released when tx ends.
func appendEventTx(ctx context.Context, tx *sql.Tx, ev Event) (Event, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return Event{}, fmt.Errorf("lock anchor chain: %w", err)
	}
	var (
		lastSeq  sql.NullInt64
		lastHash sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT seq, tx_ref FROM anchor_events ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("read anchor chain head: %w", err)
	}
	ev.Seq = uint64(lastSeq.Int64) + 1
	ev.PrevHash = lastHash.String
	ev.At = ev.At.UTC().Truncate(time.Microsecond)
	if err := ev.Seal(); err != nil {
		return Event{}, fmt.Errorf("seal ledger event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO anchor_events (seq, kind, credential_id, authority, content_hash, commitment_root, reason, prev_hash, tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, int64(ev.Seq), string(ev.Kind), ev.CredentialID, ev.Authority, ev.ContentHash,
		ev.CommitmentRoot, ev.Reason, ev.PrevHash, ev.Hash, ev.At)
	if err != nil {
		return Event{}, fmt.Errorf("insert anchor event: %w", err)
	}
	return ev, nil
}

type entryRow interface {
	Scan(dest ...any) error
}

func scanEntry(row entryRow) (Entry, error) {
	var (
		e         Entry
		expiresAt sql.NullTime
		revokedAt sql.NullTime
	)
	if err := row.Scan(&e.CredentialID, &e.ContentHash, &e.CommitmentRoot, &e.Pointer, &e.IssuerID,
		&e.HolderID, &e.Schema, &expiresAt, &e.Revoked, &e.RevokedReason, &e.IssuedTx, &e.RevokedTx,
		&e.IssuedAt, &revokedAt); err != nil {
		return Entry{}, err
	}
	if expiresAt.Valid {
		e.Expiry = expiresAt.Time
	}
	if revokedAt.Valid {
		e.RevokedAt = revokedAt.Time
	}
	return e, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
