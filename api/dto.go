/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIMESTAMPS:
  RFC3339 strings in UTC. Optional times are omitted when unset.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data
  carriers; handlers only reject malformed JSON.

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: Error response mapping
*/
package api

import (
	"time"

	"github.com/warp/household-points/points"
)

// =============================================================================
// USERS AND BALANCES
// =============================================================================

// RegisterUserRequest registers the caller named by X-User-ID.
type RegisterUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type UserDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	TotalPoints int64  `json:"total_points"`
	CreatedAt   string `json:"created_at"`
}

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type SummaryDTO struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	WeeklyEarned  int64  `json:"weekly_earned"`
	MonthlyEarned int64  `json:"monthly_earned"`
	WeekStart     string `json:"week_start"`
	MonthStart    string `json:"month_start"`
}

// ResultDTO is returned by every operation that moves points.
type ResultDTO struct {
	UserID        string `json:"user_id"`
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// =============================================================================
// GROUPS
// =============================================================================

type GroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type JoinGroupRequest struct {
	InviteCode string `json:"invite_code"`
}

type InviteRequest struct {
	UserID string `json:"user_id"`
}

// AdjustmentRequest.Delta must be non-zero and within +/- points.MaxItemCost.
type AdjustmentRequest struct {
	UserID string `json:"user_id"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

type GroupDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	OwnerID     string   `json:"owner_id"`
	MemberIDs   []string `json:"member_ids"`
	InviteCode  string   `json:"invite_code"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// =============================================================================
// TASKS
// =============================================================================

type CreateTaskRequest struct {
	GroupID     string     `json:"group_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Points      int64      `json:"points"`
	AssignedTo  string     `json:"assigned_to"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Points      *int64     `json:"points,omitempty"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type TaskDTO struct {
	ID          string  `json:"id"`
	GroupID     string  `json:"group_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Points      int64   `json:"points"`
	AssignedTo  string  `json:"assigned_to"`
	AssignedBy  string  `json:"assigned_by"`
	Status      string  `json:"status"`
	DueDate     *string `json:"due_date,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	ApprovedAt  *string `json:"approved_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type ApproveTaskResponse struct {
	Task   TaskDTO   `json:"task"`
	Result ResultDTO `json:"result"`
}

// =============================================================================
// WISHLIST
// =============================================================================

type CreateItemRequest struct {
	GroupID     string `json:"group_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	Cost        int64  `json:"cost"`
}

type UpdateItemRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
	Cost        *int64  `json:"cost,omitempty"`
}

type ItemDTO struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	GroupID     string  `json:"group_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	ImageURL    string  `json:"image_url,omitempty"`
	Cost        int64   `json:"cost"`
	Status      string  `json:"status"`
	PurchasedAt *string `json:"purchased_at,omitempty"`
	GiftedBy    string  `json:"gifted_by,omitempty"`
	GiftedAt    *string `json:"gifted_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type RedeemResponse struct {
	Item   ItemDTO   `json:"item"`
	Result ResultDTO `json:"result"`
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	GroupID   string            `json:"group_id,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Points    int64             `json:"points"`
	Type      string            `json:"type"`
	TaskTitle string            `json:"task_title"`
	GroupName string            `json:"group_name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor,omitempty"`
	HasMore      bool             `json:"has_more"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type DriftDTO struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
	Delta     int64  `json:"delta"`
}

type ReconcileResponse struct {
	Checked   int        `json:"checked"`
	Drifts    []DriftDTO `json:"drifts"`
	Incidents []string   `json:"incidents"`
	Repaired  int        `json:"repaired"`
}

type IncidentDTO struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	Ref        string  `json:"ref"`
	Reason     string  `json:"reason"`
	Balance    int64   `json:"balance"`
	LedgerSum  int64   `json:"ledger_sum"`
	CreatedAt  string  `json:"created_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toUserDTO(u points.User) UserDTO {
	return UserDTO{
		ID:          string(u.ID),
		Name:        u.Name,
		Email:       u.Email,
		TotalPoints: u.TotalPoints,
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

func toResultDTO(r points.Result) ResultDTO {
	return ResultDTO{UserID: string(r.UserID), Balance: r.Balance, TransactionID: string(r.TransactionID)}
}

func toGroupDTO(g points.Group) GroupDTO {
	members := make([]string, len(g.MemberIDs))
	for i, m := range g.MemberIDs {
		members[i] = string(m)
	}
	return GroupDTO{
		ID:          string(g.ID),
		Name:        g.Name,
		Description: g.Description,
		OwnerID:     string(g.OwnerID),
		MemberIDs:   members,
		InviteCode:  g.InviteCode,
		CreatedAt:   formatTime(g.CreatedAt),
		UpdatedAt:   formatTime(g.UpdatedAt),
	}
}

func toGroupDTOs(groups []points.Group) []GroupDTO {
	out := make([]GroupDTO, len(groups))
	for i, g := range groups {
		out[i] = toGroupDTO(g)
	}
	return out
}

func toTaskDTO(t points.Task) TaskDTO {
	return TaskDTO{
		ID:          string(t.ID),
		GroupID:     string(t.GroupID),
		Title:       t.Title,
		Description: t.Description,
		Points:      t.Points,
		AssignedTo:  string(t.AssignedTo),
		AssignedBy:  string(t.AssignedBy),
		Status:      string(t.Status),
		DueDate:     formatTimePtr(t.DueDate),
		CompletedAt: formatTimePtr(t.CompletedAt),
		ApprovedAt:  formatTimePtr(t.ApprovedAt),
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
}

func toTaskDTOs(tasks []points.Task) []TaskDTO {
	out := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskDTO(t)
	}
	return out
}

func toItemDTO(item points.WishlistItem) ItemDTO {
	return ItemDTO{
		ID:          string(item.ID),
		UserID:      string(item.UserID),
		GroupID:     string(item.GroupID),
		Title:       item.Title,
		Description: item.Description,
		ImageURL:    item.ImageURL,
		Cost:        item.Cost,
		Status:      string(item.Status),
		PurchasedAt: formatTimePtr(item.PurchasedAt),
		GiftedBy:    string(item.GiftedBy),
		GiftedAt:    formatTimePtr(item.GiftedAt),
		CreatedAt:   formatTime(item.CreatedAt),
		UpdatedAt:   formatTime(item.UpdatedAt),
	}
}

func toItemDTOs(items []points.WishlistItem) []ItemDTO {
	out := make([]ItemDTO, len(items))
	for i, item := range items {
		out[i] = toItemDTO(item)
	}
	return out
}

func toTransactionDTOs(txs []points.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:        string(tx.ID),
			UserID:    string(tx.UserID),
			GroupID:   string(tx.GroupID),
			TaskID:    string(tx.TaskID),
			Points:    tx.Points,
			Type:      string(tx.Type),
			TaskTitle: tx.TaskTitle,
			GroupName: tx.GroupName,
			Metadata:  tx.Metadata,
			Timestamp: tx.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

func toReconcileResponse(r points.ReconcileReport) ReconcileResponse {
	resp := ReconcileResponse{
		Checked:   r.Checked,
		Drifts:    make([]DriftDTO, len(r.Drifts)),
		Incidents: make([]string, len(r.Incidents)),
		Repaired:  r.Repaired,
	}
	for i, d := range r.Drifts {
		resp.Drifts[i] = DriftDTO{UserID: string(d.UserID), Balance: d.Balance, LedgerSum: d.LedgerSum, Delta: d.Delta()}
	}
	for i, id := range r.Incidents {
		resp.Incidents[i] = string(id)
	}
	return resp
}

func toIncidentDTOs(incidents []points.Incident) []IncidentDTO {
	out := make([]IncidentDTO, len(incidents))
	for i, inc := range incidents {
		out[i] = IncidentDTO{
			ID:         string(inc.ID),
			UserID:     string(inc.UserID),
			Ref:        inc.Ref,
			Reason:     inc.Reason,
			Balance:    inc.Balance,
			LedgerSum:  inc.LedgerSum,
			CreatedAt:  formatTime(inc.CreatedAt),
			ResolvedAt: formatTimePtr(inc.ResolvedAt),
		}
	}
	return out
}
