package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"escape/pkg/model"
	"escape/pkg/vault"
)

// JournalFile is the journal's name inside the temp state directory.
const JournalFile = "journal.db"

const schema = `
CREATE TABLE IF NOT EXISTS attempts(id INTEGER PRIMARY KEY AUTOINCREMENT, transport INTEGER, target TEXT, success INTEGER, error TEXT, duration INTEGER, ts INTEGER);
CREATE TABLE IF NOT EXISTS audit(id INTEGER PRIMARY KEY AUTOINCREMENT, actor TEXT, action TEXT, target TEXT, detail TEXT, ts INTEGER);
CREATE INDEX IF NOT EXISTS idx_attempts_ts ON attempts(ts);`

// Sealed replaces a field whose key is gone.
const Sealed = "(sealed)"

const sealedPrefix = "sealed:"

// Sealer encrypts free-text journal fields. *vault.Vault satisfies it.
type Sealer interface {
	SealPrimary(plaintext, ad []byte) (nonce, ciphertext []byte, err error)
	DecryptPrimary(ciphertext, nonce, ad []byte) ([]byte, error)
}

// SQLiteStore is the on-disk journal. With a Sealer, targets, errors and
// audit details are stored encrypted under the session key; rows written
// under an earlier key read back as Sealed.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
}

// OpenSQLite opens or creates the journal at path. sealer may be nil.
func OpenSQLite(path string, sealer Sealer) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite init mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db, sealer: sealer}, nil
}

func (s *SQLiteStore) seal(column, v string) (string, error) {
	if s.sealer == nil || v == "" {
		return v, nil
	}
	nonce, ct, err := s.sealer.SealPrimary([]byte(v), []byte(column))
	if err != nil {
		return "", fmt.Errorf("seal %s: %w", column, err)
	}
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(append(nonce, ct...)), nil
}

func (s *SQLiteStore) open(column, v string) string {
	raw, ok := strings.CutPrefix(v, sealedPrefix)
	if !ok {
		return v
	}
	if s.sealer == nil {
		return Sealed
	}
	b, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil || len(b) < vault.PrimaryNonceSize {
		return Sealed
	}
	pt, err := s.sealer.DecryptPrimary(b[vault.PrimaryNonceSize:], b[:vault.PrimaryNonceSize], []byte(column))
	if err != nil {
		return Sealed
	}
	return string(pt)
}

func (s *SQLiteStore) RecordAttempt(r model.AttemptRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	target, err := s.seal("attempts.target", r.Target)
	if err != nil {
		return err
	}
	errText, err := s.seal("attempts.error", r.Error)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO attempts(transport, target, success, error, duration, ts) VALUES(?,?,?,?,?,?)`,
		int(r.Transport), target, r.Success, errText, int64(r.Duration), r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAttempts(limit int) ([]model.AttemptRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT transport, target, success, error, duration, ts FROM attempts ORDER BY id DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []model.AttemptRecord
	for rows.Next() {
		var (
			r        model.AttemptRecord
			kind     int
			dur, ts  int64
			errorStr sql.NullString
		)
		if err := rows.Scan(&kind, &r.Target, &r.Success, &errorStr, &dur, &ts); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.Transport = model.TransportKind(kind)
		r.Target = s.open("attempts.target", r.Target)
		r.Error = s.open("attempts.error", errorStr.String)
		r.Duration = time.Duration(dur)
		r.Timestamp = time.Unix(0, ts)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *SQLiteStore) AppendAudit(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	target, err := s.seal("audit.target", e.Target)
	if err != nil {
		return err
	}
	detail, err := s.seal("audit.detail", e.Detail)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit(actor, action, target, detail, ts) VALUES(?,?,?,?,?)`,
		e.Actor, e.Action, target, detail, e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT actor, action, target, detail, ts FROM audit ORDER BY id DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var (
			e  model.AuditEntry
			ts int64
		)
		if err := rows.Scan(&e.Actor, &e.Action, &e.Target, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Target = s.open("audit.target", e.Target)
		e.Detail = s.open("audit.detail", e.Detail)
		e.Timestamp = time.Unix(0, ts)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// sqlLimit maps "no limit" to sqlite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
