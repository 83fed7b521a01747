/*
Package sqlite provides a SQLite-backed implementation of points.TxStore.

PURPOSE:
  Default durable store. One file, no server. The same schema maps
  directly onto PostgreSQL (see store/postgres).

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - idempotency_key is UNIQUE: the exactly-once guard for awards and spends

KEY TABLES:
  users:          identity + total_points (CHECK >= 0)
  groups:         invite_code is UNIQUE
  group_members:  ordered member set
  tasks, wishlist_items
  transactions:   immutable ledger
  incidents:      ledger inconsistencies awaiting reconciliation

BALANCE UPDATES:
  AdjustPoints is a single conditional UPDATE:
    UPDATE users SET total_points = total_points + ?
    WHERE id = ? AND total_points + ? >= 0 RETURNING total_points
  so the floor check and the write cannot be separated.

CONCURRENCY:
  sync.RWMutex plus a single connection. WithTx holds the write lock for
  the whole unit of work.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      return err
  }
  defer store.Close()
  engine := points.NewEngine(store, points.Options{})

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/household-points/points"
)

// Store implements points.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ points.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database and makes SQLite's
	// single-writer rule explicit.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		total_points INTEGER NOT NULL DEFAULT 0 CHECK (total_points >= 0),
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL,
		invite_code TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL,
		assigned_to TEXT NOT NULL,
		assigned_by TEXT NOT NULL,
		status TEXT NOT NULL,
		due_date INTEGER,
		completed_at INTEGER,
		approved_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assigned_to, created_at DESC);

	CREATE TABLE IF NOT EXISTS wishlist_items (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		cost INTEGER NOT NULL CHECK (cost >= 0),
		status TEXT NOT NULL,
		purchased_at INTEGER,
		gifted_by TEXT NOT NULL DEFAULT '',
		gifted_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_wishlist_group ON wishlist_items(group_id, created_at DESC);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		points INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		task_title TEXT NOT NULL DEFAULT '',
		group_name TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL
	);
	-- Hot path: newest-first history per user
	CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, ts DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_group_ts ON transactions(group_id, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_task ON transactions(task_id) WHERE task_id != '';

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		reason TEXT NOT NULL,
		balance INTEGER NOT NULL,
		ledger_sum INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(created_at DESC) WHERE resolved_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

func (s *Store) read() (*queries, func()) {
	s.mu.RLock()
	return &queries{db: s.db}, s.mu.RUnlock
}

func (s *Store) write() (*queries, func()) {
	s.mu.Lock()
	return &queries{db: s.db}, s.mu.Unlock
}

func (s *Store) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	q, unlock := s.write()
	defer unlock()
	return q.AppendTransaction(ctx, tx)
}

func (s *Store) TransactionsByUser(ctx context.Context, userID points.UserID, pq points.PageQuery) ([]points.Transaction, error) {
	q, unlock := s.read()
	defer unlock()
	return q.TransactionsByUser(ctx, userID, pq)
}

func (s *Store) TransactionsByGroup(ctx context.Context, groupID points.GroupID, limit int) ([]points.Transaction, error) {
	q, unlock := s.read()
	defer unlock()
	return q.TransactionsByGroup(ctx, groupID, limit)
}

func (s *Store) TransactionsByTask(ctx context.Context, taskID points.TaskID) ([]points.Transaction, error) {
	q, unlock := s.read()
	defer unlock()
	return q.TransactionsByTask(ctx, taskID)
}

func (s *Store) SumPoints(ctx context.Context, userID points.UserID, txType points.TransactionType, since time.Time) (int64, error) {
	q, unlock := s.read()
	defer unlock()
	return q.SumPoints(ctx, userID, txType, since)
}

func (s *Store) CreateUser(ctx context.Context, u points.User) error {
	q, unlock := s.write()
	defer unlock()
	return q.CreateUser(ctx, u)
}

func (s *Store) GetUser(ctx context.Context, id points.UserID) (*points.User, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetUser(ctx, id)
}

func (s *Store) ListUserIDs(ctx context.Context) ([]points.UserID, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListUserIDs(ctx)
}

func (s *Store) AdjustPoints(ctx context.Context, id points.UserID, delta int64) (int64, error) {
	q, unlock := s.write()
	defer unlock()
	return q.AdjustPoints(ctx, id, delta)
}

func (s *Store) CreateGroup(ctx context.Context, g points.Group) error {
	return s.WithTx(ctx, func(tx points.Store) error { return tx.CreateGroup(ctx, g) })
}

func (s *Store) GetGroup(ctx context.Context, id points.GroupID) (*points.Group, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetGroup(ctx, id)
}

func (s *Store) GetGroupByInviteCode(ctx context.Context, code string) (*points.Group, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetGroupByInviteCode(ctx, code)
}

func (s *Store) UpdateGroup(ctx context.Context, g points.Group) error {
	return s.WithTx(ctx, func(tx points.Store) error { return tx.UpdateGroup(ctx, g) })
}

func (s *Store) DeleteGroup(ctx context.Context, id points.GroupID) error {
	return s.WithTx(ctx, func(tx points.Store) error { return tx.DeleteGroup(ctx, id) })
}

func (s *Store) GroupsByMember(ctx context.Context, userID points.UserID) ([]points.Group, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GroupsByMember(ctx, userID)
}

func (s *Store) CreateTask(ctx context.Context, t points.Task) error {
	q, unlock := s.write()
	defer unlock()
	return q.CreateTask(ctx, t)
}

func (s *Store) GetTask(ctx context.Context, id points.TaskID) (*points.Task, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetTask(ctx, id)
}

func (s *Store) UpdateTask(ctx context.Context, t points.Task) error {
	q, unlock := s.write()
	defer unlock()
	return q.UpdateTask(ctx, t)
}

func (s *Store) DeleteTask(ctx context.Context, id points.TaskID) error {
	q, unlock := s.write()
	defer unlock()
	return q.DeleteTask(ctx, id)
}

func (s *Store) TasksByGroup(ctx context.Context, groupID points.GroupID) ([]points.Task, error) {
	q, unlock := s.read()
	defer unlock()
	return q.TasksByGroup(ctx, groupID)
}

func (s *Store) TasksByAssignee(ctx context.Context, userID points.UserID) ([]points.Task, error) {
	q, unlock := s.read()
	defer unlock()
	return q.TasksByAssignee(ctx, userID)
}

func (s *Store) CreateItem(ctx context.Context, item points.WishlistItem) error {
	q, unlock := s.write()
	defer unlock()
	return q.CreateItem(ctx, item)
}

func (s *Store) GetItem(ctx context.Context, id points.ItemID) (*points.WishlistItem, error) {
	q, unlock := s.read()
	defer unlock()
	return q.GetItem(ctx, id)
}

func (s *Store) UpdateItem(ctx context.Context, item points.WishlistItem) error {
	q, unlock := s.write()
	defer unlock()
	return q.UpdateItem(ctx, item)
}

func (s *Store) DeleteItem(ctx context.Context, id points.ItemID) error {
	q, unlock := s.write()
	defer unlock()
	return q.DeleteItem(ctx, id)
}

func (s *Store) ItemsByGroup(ctx context.Context, groupID points.GroupID) ([]points.WishlistItem, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ItemsByGroup(ctx, groupID)
}

func (s *Store) CreateIncident(ctx context.Context, inc points.Incident) error {
	q, unlock := s.write()
	defer unlock()
	return q.CreateIncident(ctx, inc)
}

func (s *Store) ListIncidents(ctx context.Context, includeResolved bool) ([]points.Incident, error) {
	q, unlock := s.read()
	defer unlock()
	return q.ListIncidents(ctx, includeResolved)
}

func (s *Store) ResolveIncident(ctx context.Context, id points.IncidentID, at time.Time) error {
	q, unlock := s.write()
	defer unlock()
	return q.ResolveIncident(ctx, id, at)
}

// =============================================================================
// QUERIES - shared by the store and its transactional view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs every statement against db, which is either the pool or an
// open *sql.Tx.
type queries struct {
	db querier
}

var _ points.Store = (*queries)(nil)

// Ledger

const txColumns = `id, user_id, group_id, task_id, points, tx_type, task_title, group_name, metadata_json, idempotency_key, ts`

func (q *queries) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	metadataJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.GroupID, tx.TaskID, tx.Points, tx.Type,
		tx.TaskTitle, tx.GroupName, string(metadataJSON), tx.IdempotencyKey, tx.Timestamp.UnixNano(),
	)
	if err != nil {
		if isUniqueConstraintError(err, "transactions.idempotency_key") {
			return points.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q *queries) TransactionsByUser(ctx context.Context, userID points.UserID, pq points.PageQuery) ([]points.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if pq.Before != nil {
		ts := pq.Before.Timestamp.UnixNano()
		query += ` AND (ts < ? OR (ts = ? AND id < ?))`
		args = append(args, ts, ts, pq.Before.ID)
	}
	query += ` ORDER BY ts DESC, id DESC`
	if pq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, pq.Limit)
	}
	return q.queryTransactions(ctx, query, args...)
}

func (q *queries) TransactionsByGroup(ctx context.Context, groupID points.GroupID, limit int) ([]points.Transaction, error) {
	return q.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE group_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?`, groupID, limit)
}

func (q *queries) TransactionsByTask(ctx context.Context, taskID points.TaskID) ([]points.Transaction, error) {
	return q.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE task_id = ?
		ORDER BY ts DESC, id DESC`, taskID)
}

func (q *queries) SumPoints(ctx context.Context, userID points.UserID, txType points.TransactionType, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(points), 0) FROM transactions WHERE user_id = ?`
	args := []any{userID}
	if txType != "" {
		query += ` AND tx_type = ?`
		args = append(args, txType)
	}
	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since.UnixNano())
	}
	var sum int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum points: %w", err)
	}
	return sum, nil
}

func (q *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]points.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []points.Transaction
	for rows.Next() {
		var (
			tx           points.Transaction
			metadataJSON sql.NullString
			ts           int64
		)
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.GroupID, &tx.TaskID, &tx.Points, &tx.Type,
			&tx.TaskTitle, &tx.GroupName, &metadataJSON, &tx.IdempotencyKey, &ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Timestamp = time.Unix(0, ts).UTC()
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of %s: %w", tx.ID, err)
			}
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// Users

func (q *queries) CreateUser(ctx context.Context, u points.User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, total_points, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.TotalPoints, u.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueConstraintError(err, "users.id") {
			return &points.ValidationError{Field: "id", Message: "user already exists"}
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (q *queries) GetUser(ctx context.Context, id points.UserID) (*points.User, error) {
	var (
		u       points.User
		created int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, email, total_points, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.TotalPoints, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &points.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = time.Unix(0, created).UTC()
	return &u, nil
}

func (q *queries) ListUserIDs(ctx context.Context) ([]points.UserID, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []points.UserID
	for rows.Next() {
		var id points.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *queries) AdjustPoints(ctx context.Context, id points.UserID, delta int64) (int64, error) {
	var balance int64
	err := q.db.QueryRowContext(ctx, `
		UPDATE users SET total_points = total_points + ?
		WHERE id = ? AND total_points + ? >= 0
		RETURNING total_points`, delta, id, delta,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to adjust balance: %w", err)
	}

	// Either the user is missing or the floor rejected the update.
	u, err := q.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	return 0, &points.InsufficientFundsError{UserID: id, Available: u.TotalPoints, Requested: -delta}
}

// Groups

func (q *queries) CreateGroup(ctx context.Context, g points.Group) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, description, owner_id, invite_code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.OwnerID, g.InviteCode, g.CreatedAt.UnixNano(), g.UpdatedAt.UnixNano())
	if err != nil {
		if isUniqueConstraintError(err, "groups.invite_code") {
			return points.ErrDuplicateInviteCode
		}
		return fmt.Errorf("failed to create group: %w", err)
	}
	return q.replaceMembers(ctx, g)
}

func (q *queries) replaceMembers(ctx context.Context, g points.Group) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, g.ID); err != nil {
		return fmt.Errorf("failed to clear members: %w", err)
	}
	for i, member := range g.MemberIDs {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id, position) VALUES (?, ?, ?)`,
			g.ID, member, i); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
	}
	return nil
}

const groupColumns = `id, name, description, owner_id, invite_code, created_at, updated_at`

func (q *queries) scanGroup(ctx context.Context, row *sql.Row, kind, key string) (*points.Group, error) {
	var (
		g                points.Group
		created, updated int64
	)
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.InviteCode, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &points.NotFoundError{Kind: kind, ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	g.CreatedAt = time.Unix(0, created).UTC()
	g.UpdatedAt = time.Unix(0, updated).UTC()
	if g.MemberIDs, err = q.members(ctx, g.ID); err != nil {
		return nil, err
	}
	return &g, nil
}

func (q *queries) members(ctx context.Context, groupID points.GroupID) ([]points.UserID, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	defer rows.Close()

	var ids []points.UserID
	for rows.Next() {
		var id points.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *queries) GetGroup(ctx context.Context, id points.GroupID) (*points.Group, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id)
	return q.scanGroup(ctx, row, "group", string(id))
}

func (q *queries) GetGroupByInviteCode(ctx context.Context, code string) (*points.Group, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE invite_code = ?`, code)
	return q.scanGroup(ctx, row, "invite code", code)
}

func (q *queries) UpdateGroup(ctx context.Context, g points.Group) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE groups SET name = ?, description = ?, owner_id = ?, invite_code = ?, updated_at = ?
		WHERE id = ?`,
		g.Name, g.Description, g.OwnerID, g.InviteCode, g.UpdatedAt.UnixNano(), g.ID)
	if err != nil {
		if isUniqueConstraintError(err, "groups.invite_code") {
			return points.ErrDuplicateInviteCode
		}
		return fmt.Errorf("failed to update group: %w", err)
	}
	if err := requireAffected(res, "group", string(g.ID)); err != nil {
		return err
	}
	return q.replaceMembers(ctx, g)
}

func (q *queries) DeleteGroup(ctx context.Context, id points.GroupID) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete members: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return requireAffected(res, "group", string(id))
}

func (q *queries) GroupsByMember(ctx context.Context, userID points.UserID) ([]points.Group, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT g.id FROM groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	var ids []points.GroupID
	for rows.Next() {
		var id points.GroupID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]points.Group, 0, len(ids))
	for _, id := range ids {
		g, err := q.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, nil
}

// Tasks

const taskColumns = `id, group_id, title, description, points, assigned_to, assigned_by, status,
	due_date, completed_at, approved_at, created_at, updated_at`

func (q *queries) CreateTask(ctx context.Context, t points.Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupID, t.Title, t.Description, t.Points, t.AssignedTo, t.AssignedBy, t.Status,
		nullTime(t.DueDate), nullTime(t.CompletedAt), nullTime(t.ApprovedAt),
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (q *queries) GetTask(ctx context.Context, id points.TaskID) (*points.Task, error) {
	tasks, err := q.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, &points.NotFoundError{Kind: "task", ID: string(id)}
	}
	return &tasks[0], nil
}

func (q *queries) UpdateTask(ctx context.Context, t points.Task) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, points = ?, assigned_to = ?, status = ?,
			due_date = ?, completed_at = ?, approved_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.Points, t.AssignedTo, t.Status,
		nullTime(t.DueDate), nullTime(t.CompletedAt), nullTime(t.ApprovedAt), t.UpdatedAt.UnixNano(),
		t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireAffected(res, "task", string(t.ID))
}

func (q *queries) DeleteTask(ctx context.Context, id points.TaskID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireAffected(res, "task", string(id))
}

func (q *queries) TasksByGroup(ctx context.Context, groupID points.GroupID) ([]points.Task, error) {
	return q.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at DESC`, groupID)
}

func (q *queries) TasksByAssignee(ctx context.Context, userID points.UserID) ([]points.Task, error) {
	return q.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_to = ? ORDER BY created_at DESC`, userID)
}

func (q *queries) queryTasks(ctx context.Context, query string, args ...any) ([]points.Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []points.Task
	for rows.Next() {
		var (
			t                        points.Task
			due, completed, approved sql.NullInt64
			created, updated         int64
		)
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Title, &t.Description, &t.Points,
			&t.AssignedTo, &t.AssignedBy, &t.Status,
			&due, &completed, &approved, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.DueDate = fromNullTime(due)
		t.CompletedAt = fromNullTime(completed)
		t.ApprovedAt = fromNullTime(approved)
		t.CreatedAt = time.Unix(0, created).UTC()
		t.UpdatedAt = time.Unix(0, updated).UTC()
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Wishlist

const itemColumns = `id, user_id, group_id, title, description, image_url, cost, status,
	purchased_at, gifted_by, gifted_at, created_at, updated_at`

func (q *queries) CreateItem(ctx context.Context, item points.WishlistItem) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wishlist_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.GroupID, item.Title, item.Description, item.ImageURL, item.Cost, item.Status,
		nullTime(item.PurchasedAt), item.GiftedBy, nullTime(item.GiftedAt),
		item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create wishlist item: %w", err)
	}
	return nil
}

func (q *queries) GetItem(ctx context.Context, id points.ItemID) (*points.WishlistItem, error) {
	items, err := q.queryItems(ctx, `SELECT `+itemColumns+` FROM wishlist_items WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &points.NotFoundError{Kind: "wishlist item", ID: string(id)}
	}
	return &items[0], nil
}

func (q *queries) UpdateItem(ctx context.Context, item points.WishlistItem) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE wishlist_items SET title = ?, description = ?, image_url = ?, cost = ?, status = ?,
			purchased_at = ?, gifted_by = ?, gifted_at = ?, updated_at = ?
		WHERE id = ?`,
		item.Title, item.Description, item.ImageURL, item.Cost, item.Status,
		nullTime(item.PurchasedAt), item.GiftedBy, nullTime(item.GiftedAt), item.UpdatedAt.UnixNano(),
		item.ID)
	if err != nil {
		return fmt.Errorf("failed to update wishlist item: %w", err)
	}
	return requireAffected(res, "wishlist item", string(item.ID))
}

func (q *queries) DeleteItem(ctx context.Context, id points.ItemID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM wishlist_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete wishlist item: %w", err)
	}
	return requireAffected(res, "wishlist item", string(id))
}

func (q *queries) ItemsByGroup(ctx context.Context, groupID points.GroupID) ([]points.WishlistItem, error) {
	return q.queryItems(ctx, `SELECT `+itemColumns+` FROM wishlist_items WHERE group_id = ? ORDER BY created_at DESC`, groupID)
}

func (q *queries) queryItems(ctx context.Context, query string, args ...any) ([]points.WishlistItem, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wishlist items: %w", err)
	}
	defer rows.Close()

	var items []points.WishlistItem
	for rows.Next() {
		var (
			item              points.WishlistItem
			purchased, gifted sql.NullInt64
			created, updated  int64
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.GroupID, &item.Title, &item.Description,
			&item.ImageURL, &item.Cost, &item.Status,
			&purchased, &item.GiftedBy, &gifted, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan wishlist item: %w", err)
		}
		item.PurchasedAt = fromNullTime(purchased)
		item.GiftedAt = fromNullTime(gifted)
		item.CreatedAt = time.Unix(0, created).UTC()
		item.UpdatedAt = time.Unix(0, updated).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

// Incidents

func (q *queries) CreateIncident(ctx context.Context, inc points.Incident) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO incidents (id, user_id, ref, reason, balance, ledger_sum, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.UserID, inc.Ref, inc.Reason, inc.Balance, inc.LedgerSum,
		inc.CreatedAt.UnixNano(), nullTime(inc.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (q *queries) ListIncidents(ctx context.Context, includeResolved bool) ([]points.Incident, error) {
	query := `SELECT id, user_id, ref, reason, balance, ledger_sum, created_at, resolved_at FROM incidents`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []points.Incident
	for rows.Next() {
		var (
			inc      points.Incident
			created  int64
			resolved sql.NullInt64
		)
		if err := rows.Scan(&inc.ID, &inc.UserID, &inc.Ref, &inc.Reason, &inc.Balance, &inc.LedgerSum,
			&created, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.CreatedAt = time.Unix(0, created).UTC()
		inc.ResolvedAt = fromNullTime(resolved)
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (q *queries) ResolveIncident(ctx context.Context, id points.IncidentID, at time.Time) error {
	res, err := q.db.ExecContext(ctx, `UPDATE incidents SET resolved_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return requireAffected(res, "incident", string(id))
}

// =============================================================================
// HELPERS
// =============================================================================

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &points.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// isUniqueConstraintError reports whether err is a UNIQUE violation on the
// given table.column.
func isUniqueConstraintError(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(se.Error(), column)
}
