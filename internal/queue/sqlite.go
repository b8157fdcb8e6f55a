package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"botflow/internal/domain"
)

var (
	// ErrNoMatch means no pending task satisfies the polling bot.
	ErrNoMatch = errors.New("no matching task")
	// ErrNotFound means the task id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal rejects a write against a result already in a
	// terminal state.
	ErrTerminal = errors.New("result is terminal")
	// ErrConflict rejects a write whose snapshot went stale: the row
	// changed since the caller read it.
	ErrConflict = errors.New("result changed concurrently")
	// ErrDuplicateID means the generated task id is already taken.
	ErrDuplicateID = errors.New("task id already exists")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_requests (
  id TEXT PRIMARY KEY,
  created_ts DATETIME NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  user TEXT NOT NULL DEFAULT '',
  authenticated_identity TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL,
  dimensions TEXT NOT NULL,
  commands TEXT NOT NULL,
  env TEXT NOT NULL,
  execution_timeout_secs INTEGER NOT NULL,
  io_timeout_secs INTEGER NOT NULL,
  expiration_ts DATETIME NOT NULL,
  idempotent INTEGER NOT NULL DEFAULT 0,
  tags TEXT NOT NULL DEFAULT '[]',
  parent_task TEXT NOT NULL DEFAULT '',
  properties_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_hash ON task_requests(properties_hash) WHERE properties_hash != '';
CREATE INDEX IF NOT EXISTS idx_requests_parent ON task_requests(parent_task) WHERE parent_task != '';
CREATE TABLE IF NOT EXISTS task_results (
  task_id TEXT PRIMARY KEY,
  state TEXT NOT NULL CHECK(state IN ('PENDING','RUNNING','COMPLETED','EXPIRED','CANCELED','BOT_DIED')),
  try_number INTEGER NOT NULL DEFAULT 1,
  bot_id TEXT NOT NULL DEFAULT '',
  started_ts DATETIME,
  completed_ts DATETIME,
  abandoned_ts DATETIME,
  modified_ts DATETIME,
  exit_codes TEXT NOT NULL DEFAULT '[]',
  failure INTEGER NOT NULL DEFAULT 0,
  internal_failure INTEGER NOT NULL DEFAULT 0,
  cost_usd REAL NOT NULL DEFAULT 0,
  cost_saved_usd REAL NOT NULL DEFAULT 0,
  deduped_from TEXT NOT NULL DEFAULT '',
  server_versions TEXT NOT NULL DEFAULT '[]',
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  dedup_hold TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES task_requests(id)
);
CREATE INDEX IF NOT EXISTS idx_results_state ON task_results(state);
CREATE TABLE IF NOT EXISTS dedup_index (
  properties_hash TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  completed_ts DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Match pairs an immutable request with its mutable result record.
type Match struct {
	Request *domain.TaskRequest
	Result  *domain.TaskResult
}

type Repository interface {
	// CreateTask persists a request and its initial result atomically.
	CreateTask(ctx context.Context, req *domain.TaskRequest, res *domain.TaskResult) error
	GetRequest(ctx context.Context, id string) (*domain.TaskRequest, error)
	GetResult(ctx context.Context, id string) (*domain.TaskResult, error)
	ListRecent(ctx context.Context, limit int) ([]Match, error)
	ListChildren(ctx context.Context, parentID string) ([]string, error)

	// MatchNext atomically assigns the highest-priority, oldest pending
	// task whose dimensions the bot satisfies. Pending tasks past their
	// expiration are transitioned to EXPIRED on the way.
	MatchNext(ctx context.Context, botID string, caps domain.Dimensions, now time.Time) (*Match, error)

	// UpdateResult overwrites the mutable result record, compare-and-
	// swap style: the stored row must still carry the state and try
	// number the caller read. A row that reached a terminal state in
	// the meantime fails with ErrTerminal, any other concurrent change
	// with ErrConflict.
	UpdateResult(ctx context.Context, res *domain.TaskResult, prev domain.State, prevTry int) error
	// CompleteAndRecord is UpdateResult plus a dedup index upsert for
	// hash, in one transaction, so a lookup can never observe the
	// entry without the terminal result it points at (or vice versa).
	CompleteAndRecord(ctx context.Context, res *domain.TaskResult, prev domain.State, prevTry int, hash string) error
	ExpirePending(ctx context.Context, now time.Time) (int, error)
	ListRunning(ctx context.Context) ([]Match, error)
	CountStates(ctx context.Context) (map[domain.State]int, error)

	// FindInFlight returns the id of a non-held, non-deduped task with
	// the given fingerprint still PENDING or RUNNING, if any.
	FindInFlight(ctx context.Context, hash string) (string, error)
	// ListHeld returns pending results waiting on an in-flight task.
	ListHeld(ctx context.Context) ([]Match, error)

	DedupLookup(ctx context.Context, hash string) (string, error)
	DedupRecord(ctx context.Context, hash, taskID string, completed time.Time) error
	DedupDelete(ctx context.Context, hash string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateTask(ctx context.Context, req *domain.TaskRequest, res *domain.TaskResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_requests (id,created_ts,name,user,authenticated_identity,priority,dimensions,commands,env,execution_timeout_secs,io_timeout_secs,expiration_ts,idempotent,tags,parent_task,properties_hash)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.CreatedTS, req.Name, req.User, req.AuthenticatedIdentity, req.Priority,
		mustJSON(req.Dimensions), mustJSON(req.Commands), mustJSON(req.Env),
		int64(req.ExecutionTimeout.Seconds()), int64(req.IOTimeout.Seconds()),
		req.ExpirationTS, req.Idempotent, mustJSON(req.Tags), req.ParentTask, req.PropertiesHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: task_requests.id") {
			return ErrDuplicateID
		}
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO task_results (task_id,state,try_number,bot_id,started_ts,completed_ts,abandoned_ts,modified_ts,exit_codes,failure,internal_failure,cost_usd,cost_saved_usd,deduped_from,server_versions,cancel_requested,dedup_hold)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.TaskID, string(res.State), res.TryNumber, res.BotID,
		res.StartedTS, res.CompletedTS, res.AbandonedTS, res.ModifiedTS,
		mustJSON(res.ExitCodes), res.Failure, res.InternalFailure,
		res.CostUSD, res.CostSavedUSD, res.DedupedFrom, mustJSON(res.ServerVersions), res.CancelRequested, res.DedupHold)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const requestCols = `id,created_ts,name,user,authenticated_identity,priority,dimensions,commands,env,execution_timeout_secs,io_timeout_secs,expiration_ts,idempotent,tags,parent_task,properties_hash`

const resultCols = `task_id,state,try_number,bot_id,started_ts,completed_ts,abandoned_ts,modified_ts,exit_codes,failure,internal_failure,cost_usd,cost_saved_usd,deduped_from,server_versions,cancel_requested,dedup_hold`

func (r *sqliteRepo) GetRequest(ctx context.Context, id string) (*domain.TaskRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestCols+` FROM task_requests WHERE id=?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return req, err
}

func (r *sqliteRepo) GetResult(ctx context.Context, id string) (*domain.TaskResult, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+resultCols+` FROM task_results WHERE task_id=?`, id)
	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return res, err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]Match, error) {
	return r.queryMatches(ctx, joinQuery+` ORDER BY q.id DESC LIMIT ?`, limit)
}

func (r *sqliteRepo) ListChildren(ctx context.Context, parentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM task_requests WHERE parent_task=? ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var joinQuery = `
SELECT ` + prefixCols("q", requestCols) + `, ` + prefixCols("s", resultCols) + `
FROM task_requests q JOIN task_results s ON s.task_id = q.id`

func (r *sqliteRepo) MatchNext(ctx context.Context, botID string, caps domain.Dimensions, now time.Time) (*Match, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, joinQuery+`
WHERE s.state='PENDING' AND s.dedup_hold=''
ORDER BY q.priority ASC, q.created_ts ASC, q.id ASC`)
	if err != nil {
		return nil, err
	}
	candidates, err := collectMatches(rows)
	if err != nil {
		return nil, err
	}

	var picked *Match
	var expired []string
	for i := range candidates {
		c := &candidates[i]
		if !c.Request.ExpirationTS.After(now) {
			expired = append(expired, c.Request.ID)
			continue
		}
		if c.Request.Dimensions.MatchedBy(caps) {
			picked = c
			break
		}
	}
	for _, id := range expired {
		_, err = tx.ExecContext(ctx, `
UPDATE task_results SET state='EXPIRED', abandoned_ts=?, modified_ts=? WHERE task_id=? AND state='PENDING'`, now, now, id)
		if err != nil {
			return nil, err
		}
	}
	if picked == nil {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrNoMatch
	}

	res := picked.Result
	res.State = domain.StateRunning
	res.BotID = botID
	res.StartedTS = &now
	res.ModifiedTS = &now
	_, err = tx.ExecContext(ctx, `
UPDATE task_results SET state='RUNNING', bot_id=?, started_ts=?, modified_ts=? WHERE task_id=? AND state='PENDING'`,
		botID, now, now, res.TaskID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return picked, nil
}

const updateResultSQL = `
UPDATE task_results SET state=?,try_number=?,bot_id=?,started_ts=?,completed_ts=?,abandoned_ts=?,modified_ts=?,exit_codes=?,failure=?,internal_failure=?,cost_usd=?,cost_saved_usd=?,deduped_from=?,server_versions=?,cancel_requested=?,dedup_hold=?
WHERE task_id=? AND state=? AND try_number=?`

func updateResultArgs(res *domain.TaskResult, prev domain.State, prevTry int) []any {
	return []any{string(res.State), res.TryNumber, res.BotID,
		res.StartedTS, res.CompletedTS, res.AbandonedTS, res.ModifiedTS,
		mustJSON(res.ExitCodes), res.Failure, res.InternalFailure,
		res.CostUSD, res.CostSavedUSD, res.DedupedFrom, mustJSON(res.ServerVersions), res.CancelRequested, res.DedupHold,
		res.TaskID, string(prev), prevTry}
}

func (r *sqliteRepo) UpdateResult(ctx context.Context, res *domain.TaskResult, prev domain.State, prevTry int) error {
	if prev.IsTerminal() {
		return ErrTerminal
	}
	out, err := r.db.ExecContext(ctx, updateResultSQL, updateResultArgs(res, prev, prevTry)...)
	if err != nil {
		return err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missedWrite(ctx, res.TaskID)
	}
	return nil
}

func (r *sqliteRepo) CompleteAndRecord(ctx context.Context, res *domain.TaskResult, prev domain.State, prevTry int, hash string) error {
	if prev.IsTerminal() {
		return ErrTerminal
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	out, err := tx.ExecContext(ctx, updateResultSQL, updateResultArgs(res, prev, prevTry)...)
	if err != nil {
		return err
	}
	n, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		tx.Rollback() // free the connection before re-reading
		return r.missedWrite(ctx, res.TaskID)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO dedup_index (properties_hash, task_id, completed_ts) VALUES (?,?,?)
ON CONFLICT(properties_hash) DO UPDATE SET task_id=excluded.task_id, completed_ts=excluded.completed_ts`,
		hash, res.TaskID, res.CompletedTS)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// missedWrite classifies a compare-and-swap that matched no row.
func (r *sqliteRepo) missedWrite(ctx context.Context, id string) error {
	cur, err := r.GetResult(ctx, id)
	if err != nil {
		return err
	}
	if cur.State.IsTerminal() {
		return ErrTerminal
	}
	return ErrConflict
}

func (r *sqliteRepo) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	out, err := r.db.ExecContext(ctx, `
UPDATE task_results SET state='EXPIRED', abandoned_ts=?, modified_ts=?
WHERE state='PENDING' AND task_id IN (SELECT id FROM task_requests WHERE expiration_ts <= ?)`, now, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := out.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) ListRunning(ctx context.Context) ([]Match, error) {
	return r.queryMatches(ctx, joinQuery+` WHERE s.state='RUNNING' ORDER BY q.id`)
}

func (r *sqliteRepo) CountStates(ctx context.Context) (map[domain.State]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM task_results GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.State(state)] = n
	}
	return counts, rows.Err()
}

func (r *sqliteRepo) FindInFlight(ctx context.Context, hash string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT q.id FROM task_requests q JOIN task_results s ON s.task_id = q.id
WHERE q.properties_hash=? AND s.state IN ('PENDING','RUNNING') AND s.deduped_from='' AND s.dedup_hold=''
ORDER BY q.id LIMIT 1`, hash)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

func (r *sqliteRepo) ListHeld(ctx context.Context) ([]Match, error) {
	return r.queryMatches(ctx, joinQuery+` WHERE s.state='PENDING' AND s.dedup_hold != '' ORDER BY q.id`)
}

func (r *sqliteRepo) DedupLookup(ctx context.Context, hash string) (string, error) {
	row := r.db.QueryRowContext(ctx, `SELECT task_id FROM dedup_index WHERE properties_hash=?`, hash)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

func (r *sqliteRepo) DedupRecord(ctx context.Context, hash, taskID string, completed time.Time) error {
	// Most-recent-wins: a later qualifying completion overwrites.
	_, err := r.db.ExecContext(ctx, `
INSERT INTO dedup_index (properties_hash, task_id, completed_ts) VALUES (?,?,?)
ON CONFLICT(properties_hash) DO UPDATE SET task_id=excluded.task_id, completed_ts=excluded.completed_ts`,
		hash, taskID, completed)
	return err
}

func (r *sqliteRepo) DedupDelete(ctx context.Context, hash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM dedup_index WHERE properties_hash=?`, hash)
	return err
}

func (r *sqliteRepo) queryMatches(ctx context.Context, query string, args ...any) ([]Match, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

func collectMatches(rows *sql.Rows) ([]Match, error) {
	defer rows.Close()
	var out []Match
	for rows.Next() {
		req, res, err := scanJoined(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, Match{Request: req, Result: res})
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanRequest(row scanner) (*domain.TaskRequest, error) {
	var req domain.TaskRequest
	var raw requestRaw
	if err := row.Scan(raw.dest(&req)...); err != nil {
		return nil, err
	}
	if err := raw.apply(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func scanResult(row scanner) (*domain.TaskResult, error) {
	var res domain.TaskResult
	var raw resultRaw
	if err := row.Scan(raw.dest(&res)...); err != nil {
		return nil, err
	}
	if err := raw.apply(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func scanJoined(row scanner) (*domain.TaskRequest, *domain.TaskResult, error) {
	var req domain.TaskRequest
	var res domain.TaskResult
	var reqRaw requestRaw
	var resRaw resultRaw
	dest := append(reqRaw.dest(&req), resRaw.dest(&res)...)
	if err := row.Scan(dest...); err != nil {
		return nil, nil, err
	}
	if err := reqRaw.apply(&req); err != nil {
		return nil, nil, err
	}
	if err := resRaw.apply(&res); err != nil {
		return nil, nil, err
	}
	return &req, &res, nil
}

// requestRaw holds the columns that need decoding after a scan.
type requestRaw struct {
	dims, commands, env, tags string
	execSecs, ioSecs          int64
}

func (w *requestRaw) dest(req *domain.TaskRequest) []any {
	return []any{&req.ID, &req.CreatedTS, &req.Name, &req.User, &req.AuthenticatedIdentity,
		&req.Priority, &w.dims, &w.commands, &w.env, &w.execSecs, &w.ioSecs,
		&req.ExpirationTS, &req.Idempotent, &w.tags, &req.ParentTask, &req.PropertiesHash}
}

func (w *requestRaw) apply(req *domain.TaskRequest) error {
	if err := json.Unmarshal([]byte(w.dims), &req.Dimensions); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(w.commands), &req.Commands); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(w.env), &req.Env); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(w.tags), &req.Tags); err != nil {
		return err
	}
	req.ExecutionTimeout = time.Duration(w.execSecs) * time.Second
	req.IOTimeout = time.Duration(w.ioSecs) * time.Second
	return nil
}

type resultRaw struct {
	state, exitCodes, versions             string
	started, completed, abandoned, changed sql.NullTime
}

func (w *resultRaw) dest(res *domain.TaskResult) []any {
	return []any{&res.TaskID, &w.state, &res.TryNumber, &res.BotID,
		&w.started, &w.completed, &w.abandoned, &w.changed,
		&w.exitCodes, &res.Failure, &res.InternalFailure,
		&res.CostUSD, &res.CostSavedUSD, &res.DedupedFrom, &w.versions, &res.CancelRequested, &res.DedupHold}
}

func (w *resultRaw) apply(res *domain.TaskResult) error {
	res.State = domain.State(w.state)
	res.StartedTS = nullableTime(w.started)
	res.CompletedTS = nullableTime(w.completed)
	res.AbandonedTS = nullableTime(w.abandoned)
	res.ModifiedTS = nullableTime(w.changed)
	if err := json.Unmarshal([]byte(w.exitCodes), &res.ExitCodes); err != nil {
		return err
	}
	return json.Unmarshal([]byte(w.versions), &res.ServerVersions)
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + "." + p
	}
	return strings.Join(parts, ",")
}
