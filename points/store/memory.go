// Package store provides Store implementations.
package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/warp/household-points/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a points.TxStore held in process memory. All reads and writes
// go through one RWMutex; WithTx holds the write lock for the whole unit.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

var _ points.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (m *Memory) read() (*state, func()) {
	m.mu.RLock()
	return m.s, m.mu.RUnlock
}

func (m *Memory) write() (*state, func()) {
	m.mu.Lock()
	return m.s, m.mu.Unlock
}

// Ledger

func (m *Memory) AppendTransaction(ctx context.Context, tx points.Transaction) error {
	s, unlock := m.write()
	defer unlock()
	return s.AppendTransaction(ctx, tx)
}

func (m *Memory) TransactionsByUser(ctx context.Context, userID points.UserID, q points.PageQuery) ([]points.Transaction, error) {
	s, unlock := m.read()
	defer unlock()
	return s.TransactionsByUser(ctx, userID, q)
}

func (m *Memory) TransactionsByGroup(ctx context.Context, groupID points.GroupID, limit int) ([]points.Transaction, error) {
	s, unlock := m.read()
	defer unlock()
	return s.TransactionsByGroup(ctx, groupID, limit)
}

func (m *Memory) TransactionsByTask(ctx context.Context, taskID points.TaskID) ([]points.Transaction, error) {
	s, unlock := m.read()
	defer unlock()
	return s.TransactionsByTask(ctx, taskID)
}

func (m *Memory) SumPoints(ctx context.Context, userID points.UserID, txType points.TransactionType, since time.Time) (int64, error) {
	s, unlock := m.read()
	defer unlock()
	return s.SumPoints(ctx, userID, txType, since)
}

// Users

func (m *Memory) CreateUser(ctx context.Context, u points.User) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateUser(ctx, u)
}

func (m *Memory) GetUser(ctx context.Context, id points.UserID) (*points.User, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetUser(ctx, id)
}

func (m *Memory) ListUserIDs(ctx context.Context) ([]points.UserID, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListUserIDs(ctx)
}

func (m *Memory) AdjustPoints(ctx context.Context, id points.UserID, delta int64) (int64, error) {
	s, unlock := m.write()
	defer unlock()
	return s.AdjustPoints(ctx, id, delta)
}

// Groups

func (m *Memory) CreateGroup(ctx context.Context, g points.Group) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateGroup(ctx, g)
}

func (m *Memory) GetGroup(ctx context.Context, id points.GroupID) (*points.Group, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetGroup(ctx, id)
}

func (m *Memory) GetGroupByInviteCode(ctx context.Context, code string) (*points.Group, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetGroupByInviteCode(ctx, code)
}

func (m *Memory) UpdateGroup(ctx context.Context, g points.Group) error {
	s, unlock := m.write()
	defer unlock()
	return s.UpdateGroup(ctx, g)
}

func (m *Memory) DeleteGroup(ctx context.Context, id points.GroupID) error {
	s, unlock := m.write()
	defer unlock()
	return s.DeleteGroup(ctx, id)
}

func (m *Memory) GroupsByMember(ctx context.Context, userID points.UserID) ([]points.Group, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GroupsByMember(ctx, userID)
}

// Tasks

func (m *Memory) CreateTask(ctx context.Context, t points.Task) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateTask(ctx, t)
}

func (m *Memory) GetTask(ctx context.Context, id points.TaskID) (*points.Task, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetTask(ctx, id)
}

func (m *Memory) UpdateTask(ctx context.Context, t points.Task) error {
	s, unlock := m.write()
	defer unlock()
	return s.UpdateTask(ctx, t)
}

func (m *Memory) DeleteTask(ctx context.Context, id points.TaskID) error {
	s, unlock := m.write()
	defer unlock()
	return s.DeleteTask(ctx, id)
}

func (m *Memory) TasksByGroup(ctx context.Context, groupID points.GroupID) ([]points.Task, error) {
	s, unlock := m.read()
	defer unlock()
	return s.TasksByGroup(ctx, groupID)
}

func (m *Memory) TasksByAssignee(ctx context.Context, userID points.UserID) ([]points.Task, error) {
	s, unlock := m.read()
	defer unlock()
	return s.TasksByAssignee(ctx, userID)
}

// Wishlist

func (m *Memory) CreateItem(ctx context.Context, item points.WishlistItem) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateItem(ctx, item)
}

func (m *Memory) GetItem(ctx context.Context, id points.ItemID) (*points.WishlistItem, error) {
	s, unlock := m.read()
	defer unlock()
	return s.GetItem(ctx, id)
}

func (m *Memory) UpdateItem(ctx context.Context, item points.WishlistItem) error {
	s, unlock := m.write()
	defer unlock()
	return s.UpdateItem(ctx, item)
}

func (m *Memory) DeleteItem(ctx context.Context, id points.ItemID) error {
	s, unlock := m.write()
	defer unlock()
	return s.DeleteItem(ctx, id)
}

func (m *Memory) ItemsByGroup(ctx context.Context, groupID points.GroupID) ([]points.WishlistItem, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ItemsByGroup(ctx, groupID)
}

// Incidents

func (m *Memory) CreateIncident(ctx context.Context, inc points.Incident) error {
	s, unlock := m.write()
	defer unlock()
	return s.CreateIncident(ctx, inc)
}

func (m *Memory) ListIncidents(ctx context.Context, includeResolved bool) ([]points.Incident, error) {
	s, unlock := m.read()
	defer unlock()
	return s.ListIncidents(ctx, includeResolved)
}

func (m *Memory) ResolveIncident(ctx context.Context, id points.IncidentID, at time.Time) error {
	s, unlock := m.write()
	defer unlock()
	return s.ResolveIncident(ctx, id, at)
}

// =============================================================================
// STATE - the unlocked data, also the transactional view handed to WithTx
// =============================================================================

type state struct {
	users     map[points.UserID]points.User
	groups    map[points.GroupID]points.Group
	invites   map[string]points.GroupID
	tasks     map[points.TaskID]points.Task
	items     map[points.ItemID]points.WishlistItem
	txs       []points.Transaction
	keys      map[string]bool
	incidents map[points.IncidentID]points.Incident
}

var _ points.Store = (*state)(nil)

func newState() *state {
	return &state{
		users:     make(map[points.UserID]points.User),
		groups:    make(map[points.GroupID]points.Group),
		invites:   make(map[string]points.GroupID),
		tasks:     make(map[points.TaskID]points.Task),
		items:     make(map[points.ItemID]points.WishlistItem),
		keys:      make(map[string]bool),
		incidents: make(map[points.IncidentID]points.Incident),
	}
}

// clone copies everything a transaction can write. Transactions are
// immutable so the slice copy can share their metadata maps.
func (s *state) clone() *state {
	groups := make(map[points.GroupID]points.Group, len(s.groups))
	for id, g := range s.groups {
		groups[id] = g.Clone()
	}
	return &state{
		users:     maps.Clone(s.users),
		groups:    groups,
		invites:   maps.Clone(s.invites),
		tasks:     maps.Clone(s.tasks),
		items:     maps.Clone(s.items),
		txs:       slices.Clone(s.txs),
		keys:      maps.Clone(s.keys),
		incidents: maps.Clone(s.incidents),
	}
}

func notFound(kind, id string) error {
	return &points.NotFoundError{Kind: kind, ID: id}
}

func newestFirst(a, b points.Transaction) int {
	if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

func (s *state) AppendTransaction(_ context.Context, tx points.Transaction) error {
	if s.keys[tx.IdempotencyKey] {
		return points.ErrDuplicateIdempotencyKey
	}
	tx.Metadata = maps.Clone(tx.Metadata)
	s.txs = append(s.txs, tx)
	s.keys[tx.IdempotencyKey] = true
	return nil
}

func (s *state) filterTxs(keep func(points.Transaction) bool) []points.Transaction {
	var out []points.Transaction
	for _, tx := range s.txs {
		if keep(tx) {
			out = append(out, tx)
		}
	}
	slices.SortFunc(out, newestFirst)
	return out
}

func (s *state) TransactionsByUser(_ context.Context, userID points.UserID, q points.PageQuery) ([]points.Transaction, error) {
	out := s.filterTxs(func(tx points.Transaction) bool {
		if tx.UserID != userID {
			return false
		}
		if q.Before == nil {
			return true
		}
		pos := points.Transaction{ID: q.Before.ID, Timestamp: q.Before.Timestamp}
		return newestFirst(pos, tx) < 0
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *state) TransactionsByGroup(_ context.Context, groupID points.GroupID, limit int) ([]points.Transaction, error) {
	out := s.filterTxs(func(tx points.Transaction) bool { return tx.GroupID == groupID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) TransactionsByTask(_ context.Context, taskID points.TaskID) ([]points.Transaction, error) {
	return s.filterTxs(func(tx points.Transaction) bool { return tx.TaskID == taskID }), nil
}

func (s *state) SumPoints(_ context.Context, userID points.UserID, txType points.TransactionType, since time.Time) (int64, error) {
	var sum int64
	for _, tx := range s.txs {
		if tx.UserID != userID || (txType != "" && tx.Type != txType) || tx.Timestamp.Before(since) {
			continue
		}
		sum += tx.Points
	}
	return sum, nil
}

func (s *state) CreateUser(_ context.Context, u points.User) error {
	if _, ok := s.users[u.ID]; ok {
		return &points.ValidationError{Field: "id", Message: "user already exists"}
	}
	s.users[u.ID] = u
	return nil
}

func (s *state) GetUser(_ context.Context, id points.UserID) (*points.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user", string(id))
	}
	return &u, nil
}

func (s *state) ListUserIDs(context.Context) ([]points.UserID, error) {
	ids := slices.Collect(maps.Keys(s.users))
	slices.Sort(ids)
	return ids, nil
}

func (s *state) AdjustPoints(_ context.Context, id points.UserID, delta int64) (int64, error) {
	u, ok := s.users[id]
	if !ok {
		return 0, notFound("user", string(id))
	}
	if u.TotalPoints+delta < 0 {
		return 0, &points.InsufficientFundsError{UserID: id, Available: u.TotalPoints, Requested: -delta}
	}
	u.TotalPoints += delta
	s.users[id] = u
	return u.TotalPoints, nil
}

func (s *state) CreateGroup(_ context.Context, g points.Group) error {
	if _, taken := s.invites[g.InviteCode]; taken {
		return points.ErrDuplicateInviteCode
	}
	s.groups[g.ID] = g.Clone()
	s.invites[g.InviteCode] = g.ID
	return nil
}

func (s *state) GetGroup(_ context.Context, id points.GroupID) (*points.Group, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, notFound("group", string(id))
	}
	g = g.Clone()
	return &g, nil
}

func (s *state) GetGroupByInviteCode(ctx context.Context, code string) (*points.Group, error) {
	id, ok := s.invites[code]
	if !ok {
		return nil, notFound("invite code", code)
	}
	return s.GetGroup(ctx, id)
}

func (s *state) UpdateGroup(_ context.Context, g points.Group) error {
	cur, ok := s.groups[g.ID]
	if !ok {
		return notFound("group", string(g.ID))
	}
	if cur.InviteCode != g.InviteCode {
		if _, taken := s.invites[g.InviteCode]; taken {
			return points.ErrDuplicateInviteCode
		}
		delete(s.invites, cur.InviteCode)
		s.invites[g.InviteCode] = g.ID
	}
	s.groups[g.ID] = g.Clone()
	return nil
}

func (s *state) DeleteGroup(_ context.Context, id points.GroupID) error {
	g, ok := s.groups[id]
	if !ok {
		return notFound("group", string(id))
	}
	delete(s.invites, g.InviteCode)
	delete(s.groups, id)
	return nil
}

func (s *state) GroupsByMember(_ context.Context, userID points.UserID) ([]points.Group, error) {
	var out []points.Group
	for _, g := range s.groups {
		if g.HasMember(userID) {
			out = append(out, g.Clone())
		}
	}
	slices.SortFunc(out, func(a, b points.Group) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *state) CreateTask(_ context.Context, t points.Task) error {
	s.tasks[t.ID] = t
	return nil
}

func (s *state) GetTask(_ context.Context, id points.TaskID) (*points.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task", string(id))
	}
	return &t, nil
}

func (s *state) UpdateTask(_ context.Context, t points.Task) error {
	if _, ok := s.tasks[t.ID]; !ok {
		return notFound("task", string(t.ID))
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *state) DeleteTask(_ context.Context, id points.TaskID) error {
	if _, ok := s.tasks[id]; !ok {
		return notFound("task", string(id))
	}
	delete(s.tasks, id)
	return nil
}

func (s *state) tasksWhere(keep func(points.Task) bool) []points.Task {
	var out []points.Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b points.Task) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

func (s *state) TasksByGroup(_ context.Context, groupID points.GroupID) ([]points.Task, error) {
	return s.tasksWhere(func(t points.Task) bool { return t.GroupID == groupID }), nil
}

func (s *state) TasksByAssignee(_ context.Context, userID points.UserID) ([]points.Task, error) {
	return s.tasksWhere(func(t points.Task) bool { return t.AssignedTo == userID }), nil
}

func (s *state) CreateItem(_ context.Context, item points.WishlistItem) error {
	s.items[item.ID] = item
	return nil
}

func (s *state) GetItem(_ context.Context, id points.ItemID) (*points.WishlistItem, error) {
	item, ok := s.items[id]
	if !ok {
		return nil, notFound("wishlist item", string(id))
	}
	return &item, nil
}

func (s *state) UpdateItem(_ context.Context, item points.WishlistItem) error {
	if _, ok := s.items[item.ID]; !ok {
		return notFound("wishlist item", string(item.ID))
	}
	s.items[item.ID] = item
	return nil
}

func (s *state) DeleteItem(_ context.Context, id points.ItemID) error {
	if _, ok := s.items[id]; !ok {
		return notFound("wishlist item", string(id))
	}
	delete(s.items, id)
	return nil
}

func (s *state) ItemsByGroup(_ context.Context, groupID points.GroupID) ([]points.WishlistItem, error) {
	var out []points.WishlistItem
	for _, item := range s.items {
		if item.GroupID == groupID {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b points.WishlistItem) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *state) CreateIncident(_ context.Context, inc points.Incident) error {
	s.incidents[inc.ID] = inc
	return nil
}

func (s *state) ListIncidents(_ context.Context, includeResolved bool) ([]points.Incident, error) {
	var out []points.Incident
	for _, inc := range s.incidents {
		if includeResolved || inc.IsOpen() {
			out = append(out, inc)
		}
	}
	slices.SortFunc(out, func(a, b points.Incident) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *state) ResolveIncident(_ context.Context, id points.IncidentID, at time.Time) error {
	inc, ok := s.incidents[id]
	if !ok {
		return notFound("incident", string(id))
	}
	inc.ResolvedAt = &at
	s.incidents[id] = inc
	return nil
}
