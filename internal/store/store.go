// Package store keeps scheduled messages, projects and delivery logs in a
// SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/schovi/shellcrew/internal/schedule"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const defaultPoolSize = 4

// DefaultLogLimit caps DeliveryLogs when the filter sets no limit.
const DefaultLogLimit = 100

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_messages (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	target       TEXT NOT NULL,
	project_id   TEXT,
	body         TEXT NOT NULL,
	delay_amount INTEGER NOT NULL,
	delay_unit   TEXT NOT NULL,
	recurring    INTEGER NOT NULL,
	active       INTEGER NOT NULL,
	last_run     INTEGER,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_logs (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	target     TEXT NOT NULL,
	message    TEXT NOT NULL,
	success    INTEGER NOT NULL,
	error      TEXT,
	timestamp  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS delivery_logs_message ON delivery_logs (message_id);
CREATE INDEX IF NOT EXISTS delivery_logs_timestamp ON delivery_logs (timestamp);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

var _ schedule.Store = (*Store)(nil)

// Store is safe for concurrent use. Each call borrows its own connection.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	s := &Store{path: path, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    defaultPoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	s.pool = pool

	conn, err := s.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	s.pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	s.logger.Info("store opened", "path", path)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("store closed", "path", s.path)
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

const messageColumns = "id, name, target, project_id, body, delay_amount, delay_unit, recurring, active, last_run, created_at"

func (s *Store) ScheduledMessages(ctx context.Context) ([]schedule.Message, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var msgs []schedule.Message
	err = sqlitex.Execute(conn, "SELECT "+messageColumns+" FROM scheduled_messages ORDER BY created_at, id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msgs = append(msgs, scanMessage(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing scheduled messages: %w", err)
	}
	return msgs, nil
}

// ScheduledMessage returns one message or ErrNotFound.
func (s *Store) ScheduledMessage(ctx context.Context, id string) (schedule.Message, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return schedule.Message{}, err
	}
	defer s.pool.Put(conn)

	var (
		msg   schedule.Message
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT "+messageColumns+" FROM scheduled_messages WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msg = scanMessage(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return schedule.Message{}, fmt.Errorf("store: reading scheduled message %s: %w", id, err)
	}
	if !found {
		return schedule.Message{}, fmt.Errorf("scheduled message %s: %w", id, ErrNotFound)
	}
	return msg, nil
}

// SaveScheduledMessage inserts or replaces a message.
func (s *Store) SaveScheduledMessage(ctx context.Context, msg schedule.Message) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO scheduled_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			target = excluded.target,
			project_id = excluded.project_id,
			body = excluded.body,
			delay_amount = excluded.delay_amount,
			delay_unit = excluded.delay_unit,
			recurring = excluded.recurring,
			active = excluded.active,
			last_run = excluded.last_run`, &sqlitex.ExecOptions{
		Args: []any{
			msg.ID,
			msg.Name,
			msg.Target,
			nullString(msg.ProjectID),
			msg.Body,
			msg.DelayAmount,
			string(msg.DelayUnit),
			msg.Recurring,
			msg.Active,
			nullTime(msg.LastRun),
			msg.CreatedAt.UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: saving scheduled message %s: %w", msg.ID, err)
	}
	return nil
}

// RecordRun updates last_run, and clears active when deactivate is set. It
// never inserts, and it never sets active.
func (s *Store) RecordRun(ctx context.Context, id string, lastRun time.Time, deactivate bool) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE scheduled_messages
		SET last_run = ?, active = CASE WHEN ? THEN 0 ELSE active END
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{lastRun.UnixNano(), deactivate, id},
	})
	if err != nil {
		return fmt.Errorf("store: recording run of %s: %w", id, err)
	}
	return nil
}

// DeleteScheduledMessage removes a message. Its delivery logs are kept.
func (s *Store) DeleteScheduledMessage(ctx context.Context, id string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM scheduled_messages WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("store: deleting scheduled message %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("scheduled message %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanMessage(stmt *sqlite.Stmt) schedule.Message {
	msg := schedule.Message{
		ID:          stmt.ColumnText(0),
		Name:        stmt.ColumnText(1),
		Target:      stmt.ColumnText(2),
		ProjectID:   stmt.ColumnText(3),
		Body:        stmt.ColumnText(4),
		DelayAmount: stmt.ColumnInt(5),
		DelayUnit:   schedule.Unit(stmt.ColumnText(6)),
		Recurring:   stmt.ColumnBool(7),
		Active:      stmt.ColumnBool(8),
		CreatedAt:   fromNanos(stmt.ColumnInt64(10)),
	}
	if !stmt.ColumnIsNull(9) {
		lastRun := fromNanos(stmt.ColumnInt64(9))
		msg.LastRun = &lastRun
	}
	return msg
}

func (s *Store) SaveDeliveryLog(ctx context.Context, log schedule.DeliveryLog) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO delivery_logs
		(id, message_id, name, target, message, success, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			log.ID,
			log.MessageID,
			log.Name,
			log.Target,
			log.Message,
			log.Success,
			nullString(log.Error),
			log.Timestamp.UnixNano(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: saving delivery log for %s: %w", log.MessageID, err)
	}
	return nil
}

// LogFilter narrows DeliveryLogs. Zero fields do not filter.
type LogFilter struct {
	MessageID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// DeliveryLogs returns matching logs, newest first.
func (s *Store) DeliveryLogs(ctx context.Context, filter LogFilter) ([]schedule.DeliveryLog, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var (
		conditions []string
		args       []any
	)
	if filter.MessageID != "" {
		conditions = append(conditions, "message_id = ?")
		args = append(args, filter.MessageID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filter.Until.UnixNano())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}

	query := "SELECT id, message_id, name, target, message, success, error, timestamp FROM delivery_logs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	var logs []schedule.DeliveryLog
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			logs = append(logs, schedule.DeliveryLog{
				ID:        stmt.ColumnText(0),
				MessageID: stmt.ColumnText(1),
				Name:      stmt.ColumnText(2),
				Target:    stmt.ColumnText(3),
				Message:   stmt.ColumnText(4),
				Success:   stmt.ColumnBool(5),
				Error:     stmt.ColumnText(6),
				Timestamp: fromNanos(stmt.ColumnInt64(7)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: querying delivery logs: %w", err)
	}
	return logs, nil
}

func (s *Store) Projects(ctx context.Context) ([]schedule.Project, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var projects []schedule.Project
	err = sqlitex.Execute(conn, "SELECT id, name FROM projects ORDER BY name, id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			projects = append(projects, schedule.Project{
				ID:   stmt.ColumnText(0),
				Name: stmt.ColumnText(1),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing projects: %w", err)
	}
	return projects, nil
}

// SaveProject inserts a project or renames an existing one.
func (s *Store) SaveProject(ctx context.Context, p schedule.Project) error {
	if p.ID == "" {
		return errors.New("store: project id is required")
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, &sqlitex.ExecOptions{
		Args: []any{p.ID, p.Name, time.Now().UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("store: saving project %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProject removes a project. Messages that target it become orphans
// and are deactivated by the scheduler's cleanup or on their next delivery.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM projects WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	}); err != nil {
		return fmt.Errorf("store: deleting project %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
