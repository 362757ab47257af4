package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "ratecore/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, run_id, type, severity, source, message, data) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixNano(), e.RunID, e.Type, e.Severity, nullStr(e.Source), nullStr(e.Message), nullStr(string(e.Data)),
	)
	return err
}

func (s *sqliteStore) Events(ctx context.Context, q Query) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if len(q.Types) > 0 {
		where = append(where, "type IN (?"+strings.Repeat(",?", len(q.Types)-1)+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	query := `SELECT seq, at, run_id, type, severity, source, message, data FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e                     EventRecord
			at                    int64
			source, message, data sql.NullString
		)
		if err := rows.Scan(&e.Seq, &at, &e.RunID, &e.Type, &e.Severity, &source, &message, &data); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Source = source.String
		e.Message = message.String
		if data.Valid {
			e.Data = []byte(data.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) Prune(ctx context.Context, keep int) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if keep < 0 {
		keep = 0
	}
	// The CASE mirrors RetentionClass.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE seq IN (
		  SELECT seq FROM (
		    SELECT seq, ROW_NUMBER() OVER (
		      PARTITION BY CASE WHEN type LIKE 'health.%' THEN 'health' ELSE type END
		      ORDER BY seq DESC) AS rn
		    FROM events)
		  WHERE rn > ?)`, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) PutParam(ctx context.Context, component, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	component, key = strings.TrimSpace(component), strings.TrimSpace(key)
	if component == "" || key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO params(component, key, value) VALUES(?,?,?)
		 ON CONFLICT(component, key) DO UPDATE SET value=excluded.value`,
		component, key, value,
	)
	return err
}

func (s *sqliteStore) Params(ctx context.Context, component string) (map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM params WHERE component = ?`, component)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
