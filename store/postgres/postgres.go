/*
Package postgres provides a PostgreSQL implementation of points.TxStore.

PURPOSE:
  Production store for multi-instance deployments. Same tables and
  invariants as store/sqlite, expressed with native types:
  timestamptz, jsonb metadata and a text[] member list.

BALANCE UPDATES:
  AdjustPoints locks the user row (SELECT ... FOR UPDATE) and applies the
  delta with a conditional UPDATE, so two instances of the service cannot
  both spend the same points.

ROW LOCKS:
  Inside WithTx the single-row reads (GetTask, GetItem, GetGroup,
  GetGroupByInviteCode) also take FOR UPDATE. A purchase and a gift of
  one item, two approvals of one task or two membership changes to one
  group then queue on the row instead of both committing from the same
  snapshot. Units of work lock rows in the order task or item, group,
  user; reads outside a transaction never lock.

QUERIES:
  Built with squirrel using Dollar placeholders. Failed statements are
  logged together with the SQL text.

USAGE:
  pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{}, logger)
  store := postgres.New(pool, logger)
  if err := store.Migrate(ctx); err != nil {
      return err
  }
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/warp/household-points/points"
)

// PoolOptions tune the pgx connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool creates and validates a pgx connection pool.
func NewPool(ctx context.Context, dsn string, opts PoolOptions, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to postgres", zap.String("host", cfg.ConnConfig.Host), zap.String("db", cfg.ConnConfig.Database))
	return pool, nil
}

// Store implements points.TxStore on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ points.TxStore = (*Store)(nil)

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	total_points BIGINT NOT NULL DEFAULT 0 CHECK (total_points >= 0),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL,
	member_ids TEXT[] NOT NULL DEFAULT '{}',
	invite_code TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_groups_members ON groups USING GIN (member_ids);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	points BIGINT NOT NULL,
	assigned_to TEXT NOT NULL,
	assigned_by TEXT NOT NULL,
	status TEXT NOT NULL,
	due_date TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	approved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
	cost BIGINT NOT NULL CHECK (cost >= 0),
	status TEXT NOT NULL,
	purchased_at TIMESTAMPTZ,
	gifted_by TEXT NOT NULL DEFAULT '',
	gifted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wishlist_group ON wishlist_items(group_id, created_at DESC);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	group_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	points BIGINT NOT NULL,
	tx_type TEXT NOT NULL,
	task_title TEXT NOT NULL DEFAULT '',
	group_name TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	idempotency_key TEXT NOT NULL UNIQUE,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, ts DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_group_ts ON transactions(group_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_task ON transactions(task_id);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	ref TEXT NOT NULL,
	reason TEXT NOT NULL,
	balance BIGINT NOT NULL,
	ledger_sum BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// WithTx executes fn inside a single database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx, logger: s.logger, lock: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) q() *queries {
	return &queries{db: s.pool, logger: s.logger}
}

func (s *Store) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	return s.q().AppendTransaction(ctx, tx)
}

func (s *Store) TransactionsByUser(ctx context.Context, userID points.UserID, pq points.PageQuery) ([]points.Transaction, error) {
	return s.q().TransactionsByUser(ctx, userID, pq)
}

func (s *Store) TransactionsByGroup(ctx context.Context, groupID points.GroupID, limit int) ([]points.Transaction, error) {
	return s.q().TransactionsByGroup(ctx, groupID, limit)
}

func (s *Store) TransactionsByTask(ctx context.Context, taskID points.TaskID) ([]points.Transaction, error) {
	return s.q().TransactionsByTask(ctx, taskID)
}

func (s *Store) SumPoints(ctx context.Context, userID points.UserID, txType points.TransactionType, since time.Time) (int64, error) {
	return s.q().SumPoints(ctx, userID, txType, since)
}

func (s *Store) CreateUser(ctx context.Context, u points.User) error {
	return s.q().CreateUser(ctx, u)
}

func (s *Store) GetUser(ctx context.Context, id points.UserID) (*points.User, error) {
	return s.q().GetUser(ctx, id)
}

func (s *Store) ListUserIDs(ctx context.Context) ([]points.UserID, error) {
	return s.q().ListUserIDs(ctx)
}

// AdjustPoints outside WithTx still needs the row lock, so it opens its own
// transaction.
func (s *Store) AdjustPoints(ctx context.Context, id points.UserID, delta int64) (int64, error) {
	var balance int64
	err := s.WithTx(ctx, func(tx points.Store) error {
		var err error
		balance, err = tx.AdjustPoints(ctx, id, delta)
		return err
	})
	return balance, err
}

func (s *Store) CreateGroup(ctx context.Context, g points.Group) error {
	return s.q().CreateGroup(ctx, g)
}

func (s *Store) GetGroup(ctx context.Context, id points.GroupID) (*points.Group, error) {
	return s.q().GetGroup(ctx, id)
}

func (s *Store) GetGroupByInviteCode(ctx context.Context, code string) (*points.Group, error) {
	return s.q().GetGroupByInviteCode(ctx, code)
}

func (s *Store) UpdateGroup(ctx context.Context, g points.Group) error {
	return s.q().UpdateGroup(ctx, g)
}

func (s *Store) DeleteGroup(ctx context.Context, id points.GroupID) error {
	return s.q().DeleteGroup(ctx, id)
}

func (s *Store) GroupsByMember(ctx context.Context, userID points.UserID) ([]points.Group, error) {
	return s.q().GroupsByMember(ctx, userID)
}

func (s *Store) CreateTask(ctx context.Context, t points.Task) error {
	return s.q().CreateTask(ctx, t)
}

func (s *Store) GetTask(ctx context.Context, id points.TaskID) (*points.Task, error) {
	return s.q().GetTask(ctx, id)
}

func (s *Store) UpdateTask(ctx context.Context, t points.Task) error {
	return s.q().UpdateTask(ctx, t)
}

func (s *Store) DeleteTask(ctx context.Context, id points.TaskID) error {
	return s.q().DeleteTask(ctx, id)
}

func (s *Store) TasksByGroup(ctx context.Context, groupID points.GroupID) ([]points.Task, error) {
	return s.q().TasksByGroup(ctx, groupID)
}

func (s *Store) TasksByAssignee(ctx context.Context, userID points.UserID) ([]points.Task, error) {
	return s.q().TasksByAssignee(ctx, userID)
}

func (s *Store) CreateItem(ctx context.Context, item points.WishlistItem) error {
	return s.q().CreateItem(ctx, item)
}

func (s *Store) GetItem(ctx context.Context, id points.ItemID) (*points.WishlistItem, error) {
	return s.q().GetItem(ctx, id)
}

func (s *Store) UpdateItem(ctx context.Context, item points.WishlistItem) error {
	return s.q().UpdateItem(ctx, item)
}

func (s *Store) DeleteItem(ctx context.Context, id points.ItemID) error {
	return s.q().DeleteItem(ctx, id)
}

func (s *Store) ItemsByGroup(ctx context.Context, groupID points.GroupID) ([]points.WishlistItem, error) {
	return s.q().ItemsByGroup(ctx, groupID)
}

func (s *Store) CreateIncident(ctx context.Context, inc points.Incident) error {
	return s.q().CreateIncident(ctx, inc)
}

func (s *Store) ListIncidents(ctx context.Context, includeResolved bool) ([]points.Incident, error) {
	return s.q().ListIncidents(ctx, includeResolved)
}

func (s *Store) ResolveIncident(ctx context.Context, id points.IncidentID, at time.Time) error {
	return s.q().ResolveIncident(ctx, id, at)
}

// =============================================================================
// QUERIES
// =============================================================================

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db     querier
	logger *zap.Logger
	lock   bool // row reads take FOR UPDATE; set for transactions
}

var _ points.Store = (*queries)(nil)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func (q *queries) exec(ctx context.Context, b sq.Sqlizer) (pgconn.CommandTag, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil && !isUniqueViolation(err, "") {
		q.logger.Error("SQL error", zap.Error(err), zap.String("query", query), zap.Any("args", args))
	}
	return tag, err
}

func (q *queries) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		q.logger.Error("SQL error", zap.Error(err), zap.String("query", query), zap.Any("args", args))
	}
	return rows, err
}

func (q *queries) queryRow(ctx context.Context, b sq.Sqlizer) pgx.Row {
	query, args, err := b.ToSql()
	if err != nil {
		return errRow{err}
	}
	return q.db.QueryRow(ctx, query, args...)
}

// forUpdate locks the selected rows until the transaction ends.
func (q *queries) forUpdate(b sq.SelectBuilder) sq.SelectBuilder {
	if !q.lock {
		return b
	}
	return b.Suffix("FOR UPDATE")
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// Ledger

var txColumns = []string{"id", "user_id", "group_id", "task_id", "points", "tx_type",
	"task_title", "group_name", "metadata", "idempotency_key", "ts"}

func (q *queries) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	_, err := q.exec(ctx, psql.Insert("transactions").
		Columns(txColumns...).
		Values(tx.ID, tx.UserID, tx.GroupID, tx.TaskID, tx.Points, tx.Type,
			tx.TaskTitle, tx.GroupName, tx.Metadata, tx.IdempotencyKey, tx.Timestamp))
	if err != nil {
		if isUniqueViolation(err, "transactions_idempotency_key_key") {
			return points.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (q *queries) TransactionsByUser(ctx context.Context, userID points.UserID, pq points.PageQuery) ([]points.Transaction, error) {
	b := psql.Select(txColumns...).From("transactions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("ts DESC", "id DESC")
	if pq.Before != nil {
		b = b.Where(sq.Or{
			sq.Lt{"ts": pq.Before.Timestamp},
			sq.And{sq.Eq{"ts": pq.Before.Timestamp}, sq.Lt{"id": pq.Before.ID}},
		})
	}
	if pq.Limit > 0 {
		b = b.Limit(uint64(pq.Limit))
	}
	return q.queryTransactions(ctx, b)
}

func (q *queries) TransactionsByGroup(ctx context.Context, groupID points.GroupID, limit int) ([]points.Transaction, error) {
	return q.queryTransactions(ctx, psql.Select(txColumns...).From("transactions").
		Where(sq.Eq{"group_id": groupID}).
		OrderBy("ts DESC", "id DESC").
		Limit(uint64(limit)))
}

func (q *queries) TransactionsByTask(ctx context.Context, taskID points.TaskID) ([]points.Transaction, error) {
	return q.queryTransactions(ctx, psql.Select(txColumns...).From("transactions").
		Where(sq.Eq{"task_id": taskID}).
		OrderBy("ts DESC", "id DESC"))
}

func (q *queries) SumPoints(ctx context.Context, userID points.UserID, txType points.TransactionType, since time.Time) (int64, error) {
	b := psql.Select("COALESCE(SUM(points), 0)").From("transactions").Where(sq.Eq{"user_id": userID})
	if txType != "" {
		b = b.Where(sq.Eq{"tx_type": txType})
	}
	if !since.IsZero() {
		b = b.Where(sq.GtOrEq{"ts": since})
	}
	var sum int64
	if err := q.queryRow(ctx, b).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum points: %w", err)
	}
	return sum, nil
}

func (q *queries) queryTransactions(ctx context.Context, b sq.SelectBuilder) ([]points.Transaction, error) {
	rows, err := q.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []points.Transaction
	for rows.Next() {
		var tx points.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.GroupID, &tx.TaskID, &tx.Points, &tx.Type,
			&tx.TaskTitle, &tx.GroupName, &tx.Metadata, &tx.IdempotencyKey, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Timestamp = tx.Timestamp.UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Users

func (q *queries) CreateUser(ctx context.Context, u points.User) error {
	_, err := q.exec(ctx, psql.Insert("users").
		Columns("id", "name", "email", "total_points", "created_at").
		Values(u.ID, u.Name, u.Email, u.TotalPoints, u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err, "users_pkey") {
			return &points.ValidationError{Field: "id", Message: "user already exists"}
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (q *queries) GetUser(ctx context.Context, id points.UserID) (*points.User, error) {
	var u points.User
	err := q.queryRow(ctx, psql.Select("id", "name", "email", "total_points", "created_at").
		From("users").Where(sq.Eq{"id": id})).
		Scan(&u.ID, &u.Name, &u.Email, &u.TotalPoints, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &points.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (q *queries) ListUserIDs(ctx context.Context) ([]points.UserID, error) {
	rows, err := q.query(ctx, psql.Select("id").From("users").OrderBy("id"))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []points.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, points.UserID(id))
	}
	return ids, rows.Err()
}

// AdjustPoints locks the user row before applying delta.
func (q *queries) AdjustPoints(ctx context.Context, id points.UserID, delta int64) (int64, error) {
	var current int64
	err := q.queryRow(ctx, psql.Select("total_points").From("users").
		Where(sq.Eq{"id": id}).Suffix("FOR UPDATE")).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &points.NotFoundError{Kind: "user", ID: string(id)}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	if current+delta < 0 {
		return 0, &points.InsufficientFundsError{UserID: id, Available: current, Requested: -delta}
	}

	var balance int64
	err = q.queryRow(ctx, psql.Update("users").
		Set("total_points", sq.Expr("total_points + ?", delta)).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING total_points")).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, nil
}

// Groups

var groupColumns = []string{"id", "name", "description", "owner_id", "member_ids", "invite_code", "created_at", "updated_at"}

func (q *queries) CreateGroup(ctx context.Context, g points.Group) error {
	_, err := q.exec(ctx, psql.Insert("groups").
		Columns(groupColumns...).
		Values(g.ID, g.Name, g.Description, g.OwnerID, memberStrings(g.MemberIDs), g.InviteCode, g.CreatedAt, g.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "groups_invite_code_key") {
			return points.ErrDuplicateInviteCode
		}
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (q *queries) GetGroup(ctx context.Context, id points.GroupID) (*points.Group, error) {
	groups, err := q.queryGroups(ctx, q.forUpdate(psql.Select(groupColumns...).From("groups").Where(sq.Eq{"id": id})))
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, &points.NotFoundError{Kind: "group", ID: string(id)}
	}
	return &groups[0], nil
}

func (q *queries) GetGroupByInviteCode(ctx context.Context, code string) (*points.Group, error) {
	groups, err := q.queryGroups(ctx, q.forUpdate(psql.Select(groupColumns...).From("groups").Where(sq.Eq{"invite_code": code})))
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, &points.NotFoundError{Kind: "invite code", ID: code}
	}
	return &groups[0], nil
}

func (q *queries) UpdateGroup(ctx context.Context, g points.Group) error {
	tag, err := q.exec(ctx, psql.Update("groups").
		Set("name", g.Name).
		Set("description", g.Description).
		Set("owner_id", g.OwnerID).
		Set("member_ids", memberStrings(g.MemberIDs)).
		Set("invite_code", g.InviteCode).
		Set("updated_at", g.UpdatedAt).
		Where(sq.Eq{"id": g.ID}))
	if err != nil {
		if isUniqueViolation(err, "groups_invite_code_key") {
			return points.ErrDuplicateInviteCode
		}
		return fmt.Errorf("failed to update group: %w", err)
	}
	return requireAffected(tag, "group", string(g.ID))
}

func (q *queries) DeleteGroup(ctx context.Context, id points.GroupID) error {
	tag, err := q.exec(ctx, psql.Delete("groups").Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return requireAffected(tag, "group", string(id))
}

func (q *queries) GroupsByMember(ctx context.Context, userID points.UserID) ([]points.Group, error) {
	return q.queryGroups(ctx, psql.Select(groupColumns...).From("groups").
		Where(sq.Expr("? = ANY(member_ids)", string(userID))).
		OrderBy("created_at DESC"))
}

func (q *queries) queryGroups(ctx context.Context, b sq.SelectBuilder) ([]points.Group, error) {
	rows, err := q.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var out []points.Group
	for rows.Next() {
		var (
			g       points.Group
			members []string
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &members, &g.InviteCode,
			&g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		g.MemberIDs = make([]points.UserID, len(members))
		for i, m := range members {
			g.MemberIDs[i] = points.UserID(m)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Tasks

var taskColumns = []string{"id", "group_id", "title", "description", "points", "assigned_to", "assigned_by",
	"status", "due_date", "completed_at", "approved_at", "created_at", "updated_at"}

func (q *queries) CreateTask(ctx context.Context, t points.Task) error {
	_, err := q.exec(ctx, psql.Insert("tasks").
		Columns(taskColumns...).
		Values(t.ID, t.GroupID, t.Title, t.Description, t.Points, t.AssignedTo, t.AssignedBy,
			t.Status, t.DueDate, t.CompletedAt, t.ApprovedAt, t.CreatedAt, t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (q *queries) GetTask(ctx context.Context, id points.TaskID) (*points.Task, error) {
	tasks, err := q.queryTasks(ctx, q.forUpdate(psql.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id})))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, &points.NotFoundError{Kind: "task", ID: string(id)}
	}
	return &tasks[0], nil
}

func (q *queries) UpdateTask(ctx context.Context, t points.Task) error {
	tag, err := q.exec(ctx, psql.Update("tasks").
		Set("title", t.Title).
		Set("description", t.Description).
		Set("points", t.Points).
		Set("assigned_to", t.AssignedTo).
		Set("status", t.Status).
		Set("due_date", t.DueDate).
		Set("completed_at", t.CompletedAt).
		Set("approved_at", t.ApprovedAt).
		Set("updated_at", t.UpdatedAt).
		Where(sq.Eq{"id": t.ID}))
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireAffected(tag, "task", string(t.ID))
}

func (q *queries) DeleteTask(ctx context.Context, id points.TaskID) error {
	tag, err := q.exec(ctx, psql.Delete("tasks").Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireAffected(tag, "task", string(id))
}

func (q *queries) TasksByGroup(ctx context.Context, groupID points.GroupID) ([]points.Task, error) {
	return q.queryTasks(ctx, psql.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"group_id": groupID}).OrderBy("created_at DESC"))
}

func (q *queries) TasksByAssignee(ctx context.Context, userID points.UserID) ([]points.Task, error) {
	return q.queryTasks(ctx, psql.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"assigned_to": userID}).OrderBy("created_at DESC"))
}

func (q *queries) queryTasks(ctx context.Context, b sq.SelectBuilder) ([]points.Task, error) {
	rows, err := q.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []points.Task
	for rows.Next() {
		var t points.Task
		if err := rows.Scan(&t.ID, &t.GroupID, &t.Title, &t.Description, &t.Points, &t.AssignedTo, &t.AssignedBy,
			&t.Status, &t.DueDate, &t.CompletedAt, &t.ApprovedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Wishlist

var itemColumns = []string{"id", "user_id", "group_id", "title", "description", "image_url", "cost", "status",
	"purchased_at", "gifted_by", "gifted_at", "created_at", "updated_at"}

func (q *queries) CreateItem(ctx context.Context, item points.WishlistItem) error {
	_, err := q.exec(ctx, psql.Insert("wishlist_items").
		Columns(itemColumns...).
		Values(item.ID, item.UserID, item.GroupID, item.Title, item.Description, item.ImageURL, item.Cost,
			item.Status, item.PurchasedAt, item.GiftedBy, item.GiftedAt, item.CreatedAt, item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create wishlist item: %w", err)
	}
	return nil
}

func (q *queries) GetItem(ctx context.Context, id points.ItemID) (*points.WishlistItem, error) {
	items, err := q.queryItems(ctx, q.forUpdate(psql.Select(itemColumns...).From("wishlist_items").Where(sq.Eq{"id": id})))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &points.NotFoundError{Kind: "wishlist item", ID: string(id)}
	}
	return &items[0], nil
}

func (q *queries) UpdateItem(ctx context.Context, item points.WishlistItem) error {
	tag, err := q.exec(ctx, psql.Update("wishlist_items").
		Set("title", item.Title).
		Set("description", item.Description).
		Set("image_url", item.ImageURL).
		Set("cost", item.Cost).
		Set("status", item.Status).
		Set("purchased_at", item.PurchasedAt).
		Set("gifted_by", item.GiftedBy).
		Set("gifted_at", item.GiftedAt).
		Set("updated_at", item.UpdatedAt).
		Where(sq.Eq{"id": item.ID}))
	if err != nil {
		return fmt.Errorf("failed to update wishlist item: %w", err)
	}
	return requireAffected(tag, "wishlist item", string(item.ID))
}

func (q *queries) DeleteItem(ctx context.Context, id points.ItemID) error {
	tag, err := q.exec(ctx, psql.Delete("wishlist_items").Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to delete wishlist item: %w", err)
	}
	return requireAffected(tag, "wishlist item", string(id))
}

func (q *queries) ItemsByGroup(ctx context.Context, groupID points.GroupID) ([]points.WishlistItem, error) {
	return q.queryItems(ctx, psql.Select(itemColumns...).From("wishlist_items").
		Where(sq.Eq{"group_id": groupID}).OrderBy("created_at DESC"))
}

func (q *queries) queryItems(ctx context.Context, b sq.SelectBuilder) ([]points.WishlistItem, error) {
	rows, err := q.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query wishlist items: %w", err)
	}
	defer rows.Close()

	var out []points.WishlistItem
	for rows.Next() {
		var item points.WishlistItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.GroupID, &item.Title, &item.Description, &item.ImageURL,
			&item.Cost, &item.Status, &item.PurchasedAt, &item.GiftedBy, &item.GiftedAt,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wishlist item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Incidents

func (q *queries) CreateIncident(ctx context.Context, inc points.Incident) error {
	_, err := q.exec(ctx, psql.Insert("incidents").
		Columns("id", "user_id", "ref", "reason", "balance", "ledger_sum", "created_at", "resolved_at").
		Values(inc.ID, inc.UserID, inc.Ref, inc.Reason, inc.Balance, inc.LedgerSum, inc.CreatedAt, inc.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (q *queries) ListIncidents(ctx context.Context, includeResolved bool) ([]points.Incident, error) {
	b := psql.Select("id", "user_id", "ref", "reason", "balance", "ledger_sum", "created_at", "resolved_at").
		From("incidents").OrderBy("created_at DESC")
	if !includeResolved {
		b = b.Where(sq.Eq{"resolved_at": nil})
	}
	rows, err := q.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []points.Incident
	for rows.Next() {
		var inc points.Incident
		if err := rows.Scan(&inc.ID, &inc.UserID, &inc.Ref, &inc.Reason, &inc.Balance, &inc.LedgerSum,
			&inc.CreatedAt, &inc.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (q *queries) ResolveIncident(ctx context.Context, id points.IncidentID, at time.Time) error {
	tag, err := q.exec(ctx, psql.Update("incidents").Set("resolved_at", at).Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	return requireAffected(tag, "incident", string(id))
}

// =============================================================================
// HELPERS
// =============================================================================

func memberStrings(ids []points.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func requireAffected(tag pgconn.CommandTag, kind, id string) error {
	if tag.RowsAffected() == 0 {
		return &points.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique_violation, optionally
// restricted to one constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
