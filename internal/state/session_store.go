package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/qsmgw/internal/options"
	"github.com/mattjoyce/qsmgw/internal/session"
)

// InterruptedMessage is recorded on sessions a previous process left active.
const InterruptedMessage = "interrupted by service restart"

// StatusEvent is one entry in a session's status ledger.
type StatusEvent struct {
	Seq       int64
	SessionID string
	Status    session.Status
	Error     string
	At        time.Time
}

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Status session.Status
	Limit  int
}

// SessionStore reads and writes the sessions table.
type SessionStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ session.Recorder = (*SessionStore)(nil)

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

// Record upserts s and appends a ledger row when its status changed.
func (s *SessionStore) Record(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is empty")
	}
	opts, err := json.Marshal(sess.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prior string
	err = tx.QueryRowContext(ctx, "SELECT status FROM sessions WHERE id = ?;", sess.ID).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read session status: %w", err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions(
  id, status, dir, input_a, input_b, out_dir, log_path, archive_path,
  root_a, root_b, digest, error, cancelled, options,
  created_at, started_at, finished_at, updated_at
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  dir = excluded.dir,
  input_a = excluded.input_a,
  input_b = excluded.input_b,
  out_dir = excluded.out_dir,
  log_path = excluded.log_path,
  archive_path = excluded.archive_path,
  root_a = excluded.root_a,
  root_b = excluded.root_b,
  digest = excluded.digest,
  error = excluded.error,
  cancelled = excluded.cancelled,
  options = excluded.options,
  started_at = excluded.started_at,
  finished_at = excluded.finished_at,
  updated_at = excluded.updated_at;
`,
		sess.ID, string(sess.Status), sess.Dir, sess.InputA, sess.InputB, sess.OutDir, sess.LogPath, sess.ArchivePath,
		sess.RootA, sess.RootB, sess.Digest, nullString(sess.Error), boolInt(sess.Cancelled), string(opts),
		formatTime(sess.CreatedAt), formatTimePtr(sess.StartedAt), formatTimePtr(sess.FinishedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if prior != string(sess.Status) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO session_events(session_id, status, error, at) VALUES(?, ?, ?, ?);",
			sess.ID, string(sess.Status), nullString(sess.Error), formatTime(now),
		); err != nil {
			return fmt.Errorf("append session event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sessionColumns = `id, status, dir, input_a, input_b, out_dir, log_path, archive_path,
  root_a, root_b, digest, error, cancelled, options, created_at, started_at, finished_at`

// Get returns the stored session or session.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?;", id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// List returns stored sessions, oldest first.
func (s *SessionStore) List(ctx context.Context, filter ListFilter) ([]session.Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + sessionColumns + " FROM sessions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// History returns the status ledger of one session in order.
func (s *SessionStore) History(ctx context.Context, id string) ([]StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, session_id, status, error, at FROM session_events WHERE session_id = ? ORDER BY seq ASC;", id)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []StatusEvent
	for rows.Next() {
		var (
			ev     StatusEvent
			status string
			errMsg sql.NullString
			at     string
		)
		if err := rows.Scan(&ev.Seq, &ev.SessionID, &status, &errMsg, &at); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.Status = session.Status(status)
		ev.Error = errMsg.String
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecoverInterrupted marks sessions left pending or running by a previous
// process as error and returns how many were changed.
func (s *SessionStore) RecoverInterrupted(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT id FROM sessions WHERE status IN (?, ?);",
		string(session.StatusPending), string(session.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("find interrupted sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan interrupted session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate interrupted sessions: %w", err)
	}

	now := formatTime(s.now().UTC())
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sessions SET status = ?, error = ?, finished_at = ?, updated_at = ? WHERE id = ?;",
			string(session.StatusError), InterruptedMessage, now, now, id,
		); err != nil {
			return 0, fmt.Errorf("mark session %s interrupted: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO session_events(session_id, status, error, at) VALUES(?, ?, ?, ?);",
			id, string(session.StatusError), InterruptedMessage, now,
		); err != nil {
			return 0, fmt.Errorf("append session event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return len(ids), nil
}

// Delete removes a session and its ledger.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// foreign_keys is a per-connection pragma, so the ledger is cleared explicitly.
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_events WHERE session_id = ?;", id); err != nil {
		return fmt.Errorf("delete session events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?;", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var (
		sess                                   session.Session
		status, opts, createdAt                string
		inputA, inputB, outDir, logPath        sql.NullString
		archivePath, rootA, rootB, digest, msg sql.NullString
		startedAt, finishedAt                  sql.NullString
		cancelled                              int
	)
	if err := row.Scan(
		&sess.ID, &status, &sess.Dir, &inputA, &inputB, &outDir, &logPath, &archivePath,
		&rootA, &rootB, &digest, &msg, &cancelled, &opts, &createdAt, &startedAt, &finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, err
		}
		return session.Session{}, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = session.Status(status)
	sess.InputA = inputA.String
	sess.InputB = inputB.String
	sess.OutDir = outDir.String
	sess.LogPath = logPath.String
	sess.ArchivePath = archivePath.String
	sess.RootA = rootA.String
	sess.RootB = rootB.String
	sess.Digest = digest.String
	sess.Error = msg.String
	sess.Cancelled = cancelled != 0

	var set options.Set
	if err := json.Unmarshal([]byte(opts), &set); err != nil {
		return session.Session{}, fmt.Errorf("decode options for %s: %w", sess.ID, err)
	}
	sess.Options = set

	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return session.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return session.Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return session.Session{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
