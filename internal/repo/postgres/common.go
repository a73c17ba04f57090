package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/repo"
)

// DB is the slice of *sql.DB the stores need; transactions satisfy it
// as well.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// updateRetries bounds the optimistic-write loop. Transitions are
// monotonic, so contention converges within a couple of attempts.
const updateRetries = 3

func encodeMetadata(meta domain.Metadata) ([]byte, error) {
	if meta == nil {
		meta = domain.Metadata{}
	}
	return json.Marshal(meta)
}

func decodeMetadata(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return domain.Metadata{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return domain.Metadata(out), nil
}

func encodeRefs(refs []domain.DataReference) ([]byte, error) {
	if refs == nil {
		refs = []domain.DataReference{}
	}
	return json.Marshal(refs)
}

func decodeRefs(raw []byte) ([]domain.DataReference, error) {
	if len(raw) == 0 {
		return []domain.DataReference{}, nil
	}
	var out []domain.DataReference
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.DataReference{}
	}
	return out, nil
}

func encodeExecutions(recs []domain.ExecutionRecord) ([]byte, error) {
	if recs == nil {
		recs = []domain.ExecutionRecord{}
	}
	return json.Marshal(recs)
}

func decodeExecutions(raw []byte) ([]domain.ExecutionRecord, error) {
	if len(raw) == 0 {
		return []domain.ExecutionRecord{}, nil
	}
	var out []domain.ExecutionRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.ExecutionRecord{}
	}
	return out, nil
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repo.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
