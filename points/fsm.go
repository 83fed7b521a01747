package points

// Machine is an explicit transition table. Every status change in the
// engine goes through Next; anything not in the table is rejected.
type Machine[S ~string] struct {
	entity string
	edges  map[string]map[S]S // op -> from -> to
}

func NewMachine[S ~string](entity string) *Machine[S] {
	return &Machine[S]{entity: entity, edges: make(map[string]map[S]S)}
}

// Allow registers op as legal from each of the given states, leading to to.
func (m *Machine[S]) Allow(op string, to S, from ...S) *Machine[S] {
	if m.edges[op] == nil {
		m.edges[op] = make(map[S]S)
	}
	for _, f := range from {
		m.edges[op][f] = to
	}
	return m
}

// Next returns the target state of op from the current state, or a
// *TransitionError if the table has no such edge.
func (m *Machine[S]) Next(op, id string, from S) (S, error) {
	if to, ok := m.edges[op][from]; ok {
		return to, nil
	}
	return from, &TransitionError{Entity: m.entity, ID: id, Op: op, From: string(from)}
}

// Can reports whether op is legal from the given state.
func (m *Machine[S]) Can(op string, from S) bool {
	_, ok := m.edges[op][from]
	return ok
}

// Task operations.
const (
	OpClaim    = "claim"
	OpStart    = "start"
	OpComplete = "complete"
	OpApprove  = "approve"
	OpEdit     = "update"
	OpDelete   = "delete"
)

// Wishlist operations.
const (
	OpPurchase = "purchase"
	OpGift     = "gift"
)

// TaskMachine is the task lifecycle. Status never moves backward and
// approved is terminal.
var TaskMachine = NewMachine[TaskStatus]("task").
	Allow(OpClaim, TaskPending, TaskPending).
	Allow(OpStart, TaskInProgress, TaskPending).
	Allow(OpComplete, TaskCompleted, TaskPending, TaskInProgress).
	Allow(OpApprove, TaskApproved, TaskCompleted).
	Allow(OpEdit, TaskPending, TaskPending).
	Allow(OpDelete, TaskPending, TaskPending)

// ItemMachine is the wishlist lifecycle. purchased and gifted are terminal.
var ItemMachine = NewMachine[ItemStatus]("wishlist item").
	Allow(OpPurchase, ItemPurchased, ItemAvailable).
	Allow(OpGift, ItemGifted, ItemAvailable).
	Allow(OpEdit, ItemAvailable, ItemAvailable).
	Allow(OpDelete, ItemAvailable, ItemAvailable)
