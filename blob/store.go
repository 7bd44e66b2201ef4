// Package blob stores opaque byte payloads and hands back URLs. The lifecycle
// engine only ever holds the URL string (a contract's terms document lives
// here); it never reads content through this package.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the URL does not reference a stored blob.
	ErrNotFound = errors.New("blob: not found")
	// ErrBadURL signals the URL is not in this store's scheme.
	ErrBadURL = errors.New("blob: malformed url")
)

// Store is the narrow contract the rest of the system depends on.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

const urlScheme = "blob:"

// PGStore keeps blobs in a Postgres bytea column and issues "blob:<uuid>"
// URLs. Fine at this system's document sizes; swap for an object store behind
// the same interface if that changes.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("blob: empty payload")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, `INSERT INTO blobs (id, content_type, data) VALUES ($1, $2, $3)`, id, contentType, data); err != nil {
		return "", fmt.Errorf("blob: store: %w", err)
	}
	return urlScheme + id, nil
}

func (s *PGStore) Get(ctx context.Context, url string) ([]byte, error) {
	id, ok := strings.CutPrefix(url, urlScheme)
	if !ok || id == "" {
		return nil, ErrBadURL
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrBadURL
	}

	var data []byte
	if err := s.pool.QueryRow(ctx, `SELECT data FROM blobs WHERE id = $1`, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	return data, nil
}
