package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"certify/internal/credential/disclosure"
	"certify/internal/credential/models"
	"certify/internal/sentinel"
	"certify/pkg/platform/outbox"
	outboxpostgres "certify/pkg/platform/outbox/store/postgres"
)

// PostgresStore persists the credential service state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) CreateApplication(ctx context.Context, app *models.Application) error {
	fields, sensitive, disclose, err := marshalApplication(app)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (id, type, issuer_id, applicant_id, subject_id, fields, sensitive, disclose,
			status, decision_reason, reviewed_by, credential_id, submitted_at, reviewed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, app.ID.String(), string(app.Type), app.IssuerID, app.ApplicantID, app.SubjectID, fields, sensitive, disclose,
		string(app.Status), app.DecisionReason, app.ReviewedBy, app.CredentialID.String(), app.SubmittedAt,
		nullTimePtr(app.ReviewedAt), app.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("application %s: %w", app.ID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

const selectApplication = `
	SELECT id, type, issuer_id, applicant_id, subject_id, fields, sensitive, disclose, status,
		decision_reason, reviewed_by, credential_id, submitted_at, reviewed_at, updated_at
	FROM applications`

func (s *PostgresStore) FindApplication(ctx context.Context, id models.ApplicationID) (*models.Application, error) {
	app, err := scanApplication(s.db.QueryRowContext(ctx, selectApplication+" WHERE id = $1", id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find application: %w", err)
	}
	return app, nil
}

func (s *PostgresStore) SaveReview(ctx context.Context, app *models.Application, events ...*outbox.Entry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE applications
			SET status = $2, decision_reason = $3, reviewed_by = $4, reviewed_at = $5, updated_at = $6
			WHERE id = $1 AND status = 'SUBMITTED'
		`, app.ID.String(), string(app.Status), app.DecisionReason, app.ReviewedBy, nullTimePtr(app.ReviewedAt), app.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save review: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.missingOrInvalid(ctx, tx, app.ID)
		}
		return appendEvents(ctx, tx, events)
	})
}

func (s *PostgresStore) ListApplications(ctx context.Context, status models.ApplicationStatus) ([]*models.Application, error) {
	rows, err := s.db.QueryContext(ctx, selectApplication+`
		WHERE ($1 = '' OR status = $1)
		ORDER BY submitted_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateCredential(ctx context.Context, r *models.CredentialRecord, events ...*outbox.Entry) error {
	signature, err := json.Marshal(r.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	committed, err := json.Marshal(r.CommittedFields)
	if err != nil {
		return fmt.Errorf("marshal committed fields: %w", err)
	}
	disclosed, err := json.Marshal(nonNil(r.DisclosedFields))
	if err != nil {
		return fmt.Errorf("marshal disclosed fields: %w", err)
	}
	var proof []byte
	if r.IssuanceProof != nil {
		if proof, err = json.Marshal(r.IssuanceProof); err != nil {
			return fmt.Errorf("marshal issuance proof: %w", err)
		}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE applications
			SET status = 'ISSUED', credential_id = $2, updated_at = $3
			WHERE id = $1 AND status = 'APPROVED'
		`, r.ApplicationID.String(), r.ID.String(), r.IssuedAt)
		if err != nil {
			return fmt.Errorf("mark application issued: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.missingOrInvalid(ctx, tx, r.ApplicationID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO credentials (id, application_id, subject_id, type, issuer_id, holder_id, content_hash,
				commitment_root, signature, pointer, committed_fields, disclosed_fields, blinding_handle,
				issuance_proof, anchor_tx, status, issued_at, expires_at, revoked_at, revoked_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		`, r.ID.String(), r.ApplicationID.String(), r.SubjectID, string(r.Type), r.IssuerID, r.HolderID,
			r.ContentHash, r.CommitmentRoot, string(signature), r.Pointer, string(committed), string(disclosed),
			r.BlindingHandle, nullJSON(proof), r.AnchorTx, string(r.Status), r.IssuedAt,
			nullTimePtr(r.ExpiresAt), nullTimePtr(r.RevokedAt), r.RevokedReason)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("credential for subject %s: %w", r.SubjectID, sentinel.ErrAlreadyUsed)
			}
			return fmt.Errorf("insert credential: %w", err)
		}
		return appendEvents(ctx, tx, events)
	})
}

const selectCredential = `
	SELECT id, application_id, subject_id, type, issuer_id, holder_id, content_hash, commitment_root,
		signature, pointer, committed_fields, disclosed_fields, blinding_handle, issuance_proof, anchor_tx,
		status, issued_at, expires_at, revoked_at, revoked_reason
	FROM credentials`

func (s *PostgresStore) FindCredential(ctx context.Context, id models.CredentialID) (*models.CredentialRecord, error) {
	return s.findCredential(ctx, selectCredential+" WHERE id = $1", id.String())
}

func (s *PostgresStore) FindCredentialBySubject(ctx context.Context, subjectID string) (*models.CredentialRecord, error) {
	return s.findCredential(ctx, selectCredential+" WHERE subject_id = $1", subjectID)
}

func (s *PostgresStore) findCredential(ctx context.Context, query string, arg string) (*models.CredentialRecord, error) {
	r, err := scanCredential(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) MarkRevoked(ctx context.Context, id models.CredentialID, reason string, at time.Time, events ...*outbox.Entry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE credentials
			SET status = 'REVOKED', revoked_reason = $2, revoked_at = $3
			WHERE id = $1 AND status = 'ISSUED'
		`, id.String(), reason, at)
		if err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM credentials WHERE id = $1)`, id.String()).Scan(&exists); err != nil {
				return fmt.Errorf("check credential: %w", err)
			}
			if !exists {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("credential already revoked: %w", sentinel.ErrInvalidState)
		}
		return appendEvents(ctx, tx, events)
	})
}

func (s *PostgresStore) AppendVerification(ctx context.Context, entry *models.VerificationLogEntry) error {
	checks, err := json.Marshal(entry.Checks)
	if err != nil {
		return fmt.Errorf("marshal checks: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO verification_logs (credential_id, verifier, status, valid, checks, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.CredentialID.String(), entry.Verifier, entry.Status, entry.Valid, string(checks), entry.VerifiedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append verification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVerifications(ctx context.Context, id models.CredentialID) ([]models.VerificationLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credential_id, verifier, status, valid, checks, verified_at
		FROM verification_logs
		WHERE credential_id = $1
		ORDER BY id ASC
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	out := make([]models.VerificationLogEntry, 0)
	for rows.Next() {
		var (
			e      models.VerificationLogEntry
			credID string
			checks []byte
		)
		if err := rows.Scan(&e.ID, &credID, &e.Verifier, &e.Status, &e.Valid, &checks, &e.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		e.CredentialID = models.CredentialID(credID)
		if err := json.Unmarshal(checks, &e.Checks); err != nil {
			return nil, fmt.Errorf("unmarshal checks: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// missingOrInvalid explains why a guarded application update touched no rows.
func (s *PostgresStore) missingOrInvalid(ctx context.Context, tx *sql.Tx, id models.ApplicationID) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM applications WHERE id = $1`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("application %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load application status: %w", err)
	}
	return fmt.Errorf("application is %s: %w", status, sentinel.ErrInvalidState)
}

func appendEvents(ctx context.Context, tx *sql.Tx, events []*outbox.Entry) error {
	for _, e := range events {
		if err := outboxpostgres.AppendTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func scanApplication(r row) (*models.Application, error) {
	var (
		app                         models.Application
		id, typ, status, credID     string
		fields, sensitive, disclose []byte
		reviewedAt                  sql.NullTime
	)
	if err := r.Scan(&id, &typ, &app.IssuerID, &app.ApplicantID, &app.SubjectID, &fields, &sensitive, &disclose,
		&status, &app.DecisionReason, &app.ReviewedBy, &credID, &app.SubmittedAt, &reviewedAt, &app.UpdatedAt); err != nil {
		return nil, err
	}
	app.ID = models.ApplicationID(id)
	app.Type = models.CredentialType(typ)
	app.Status = models.ApplicationStatus(status)
	app.CredentialID = models.CredentialID(credID)
	if reviewedAt.Valid {
		app.ReviewedAt = &reviewedAt.Time
	}
	if err := decodeJSON(fields, &app.Fields); err != nil {
		return nil, fmt.Errorf("unmarshal application fields: %w", err)
	}
	if err := json.Unmarshal(sensitive, &app.Sensitive); err != nil {
		return nil, fmt.Errorf("unmarshal sensitive fields: %w", err)
	}
	if err := json.Unmarshal(disclose, &app.Disclose); err != nil {
		return nil, fmt.Errorf("unmarshal disclose fields: %w", err)
	}
	return &app, nil
}

func scanCredential(r row) (*models.CredentialRecord, error) {
	var (
		rec                              models.CredentialRecord
		id, appID, typ, status           string
		signature, committed, disclosed  []byte
		proof                            []byte
		expiresAt, revokedAt             sql.NullTime
	)
	if err := r.Scan(&id, &appID, &rec.SubjectID, &typ, &rec.IssuerID, &rec.HolderID, &rec.ContentHash,
		&rec.CommitmentRoot, &signature, &rec.Pointer, &committed, &disclosed, &rec.BlindingHandle, &proof,
		&rec.AnchorTx, &status, &rec.IssuedAt, &expiresAt, &revokedAt, &rec.RevokedReason); err != nil {
		return nil, err
	}
	rec.ID = models.CredentialID(id)
	rec.ApplicationID = models.ApplicationID(appID)
	rec.Type = models.CredentialType(typ)
	rec.Status = models.CredentialStatus(status)
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	if err := json.Unmarshal(signature, &rec.Signature); err != nil {
		return nil, fmt.Errorf("unmarshal signature: %w", err)
	}
	if err := json.Unmarshal(committed, &rec.CommittedFields); err != nil {
		return nil, fmt.Errorf("unmarshal committed fields: %w", err)
	}
	if err := decodeJSON(disclosed, &rec.DisclosedFields); err != nil {
		return nil, fmt.Errorf("unmarshal disclosed fields: %w", err)
	}
	if len(proof) > 0 {
		var p disclosure.Proof
		if err := decodeJSON(proof, &p); err != nil {
			return nil, fmt.Errorf("unmarshal issuance proof: %w", err)
		}
		rec.IssuanceProof = &p
	}
	return &rec, nil
}

// decodeJSON keeps numbers as json.Number so canonical hashes recomputed from
// stored fields match the ones computed at issuance.
func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

func marshalApplication(app *models.Application) (fields, sensitive, disclose string, err error) {
	f, err := json.Marshal(nonNil(app.Fields))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal application fields: %w", err)
	}
	sn, err := json.Marshal(nonNilStrings(app.Sensitive))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal sensitive fields: %w", err)
	}
	d, err := json.Marshal(nonNilStrings(app.Disclose))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal disclose fields: %w", err)
	}
	return string(f), string(sn), string(d), nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
