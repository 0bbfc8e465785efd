// Package pgstore persists telemetry records in the PostgreSQL table
// processed_agent_data.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"roadwatch/internal/data"
	"roadwatch/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_agent_data (
	id         BIGSERIAL PRIMARY KEY,
	road_state TEXT NOT NULL,
	user_id    BIGINT NOT NULL,
	x          DOUBLE PRECISION NOT NULL,
	y          DOUBLE PRECISION NOT NULL,
	z          DOUBLE PRECISION NOT NULL,
	latitude   DOUBLE PRECISION NOT NULL,
	longitude  DOUBLE PRECISION NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS processed_agent_data_user_id_idx ON processed_agent_data (user_id);
`

const columns = `id, road_state, user_id, x, y, z, latitude, longitude, timestamp`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// ConnectionURL builds a postgres:// URL from its parts.
func ConnectionURL(user, password, host string, port int, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Open connects to PostgreSQL and makes sure the table exists.
func Open(ctx context.Context, connectionURL string) (*Store, error) {
	connector, err := pq.NewConnector(connectionURL)
	if err != nil {
		return nil, xerrors.Errorf("parse postgres URL: %w", err)
	}
	db := sql.OpenDB(connector)
	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the table and index when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return store.Wrap("ensure schema", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (data.StoredRecord, error) {
	var rec data.StoredRecord
	err := row.Scan(
		&rec.ID,
		&rec.RoadState,
		&rec.AgentID,
		&rec.X,
		&rec.Y,
		&rec.Z,
		&rec.Latitude,
		&rec.Longitude,
		&rec.Timestamp,
	)
	if xerrors.Is(err, sql.ErrNoRows) {
		return data.StoredRecord{}, store.ErrNotFound
	}
	if err != nil {
		return data.StoredRecord{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, rec data.CanonicalRecord) (data.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO processed_agent_data (road_state, user_id, x, y, z, latitude, longitude, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+columns,
		rec.RoadState, rec.AgentID, rec.X, rec.Y, rec.Z, rec.Latitude, rec.Longitude, rec.Timestamp,
	)
	stored, err := scanRecord(row)
	return stored, store.Wrap("insert", err)
}

func (s *Store) Get(ctx context.Context, id int64) (data.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM processed_agent_data WHERE id = $1`, id)
	rec, err := scanRecord(row)
	return rec, store.Wrap("get", err)
}

func (s *Store) Update(ctx context.Context, id int64, rec data.CanonicalRecord) (data.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE processed_agent_data
		SET road_state = $2, user_id = $3, x = $4, y = $5, z = $6, latitude = $7, longitude = $8, timestamp = $9
		WHERE id = $1
		RETURNING `+columns,
		id, rec.RoadState, rec.AgentID, rec.X, rec.Y, rec.Z, rec.Latitude, rec.Longitude, rec.Timestamp,
	)
	stored, err := scanRecord(row)
	return stored, store.Wrap("update", err)
}

func (s *Store) Delete(ctx context.Context, id int64) (data.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM processed_agent_data WHERE id = $1 RETURNING `+columns, id)
	rec, err := scanRecord(row)
	return rec, store.Wrap("delete", err)
}

func (s *Store) List(ctx context.Context) ([]data.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM processed_agent_data ORDER BY id`)
	if err != nil {
		return nil, store.Wrap("list", err)
	}
	defer rows.Close()

	records := []data.StoredRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, store.Wrap("list", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("list", err)
	}
	return records, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}
