package refund

import (
	"time"

	"github.com/gofrs/uuid"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusApproved   Status = "APPROVED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
	StatusFailed     Status = "FAILED"
)

func (s Status) String() string {
	return string(s)
}

type Refund struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	RefundNumber    string     `json:"refund_number" db:"refund_number"`
	OrderID         uuid.UUID  `json:"order_id" db:"order_id"`
	UserID          uuid.UUID  `json:"user_id" db:"user_id"`
	Amount          float64    `json:"amount" db:"amount"`
	Reason          string     `json:"reason" db:"reason"`
	Status          Status     `json:"status" db:"status"`
	GatewayRefundID string     `json:"gateway_refund_id,omitempty" db:"gateway_refund_id"`
	ProcessedBy     string     `json:"processed_by,omitempty" db:"processed_by"`
	AdminNotes      string     `json:"admin_notes,omitempty" db:"admin_notes"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// Actor identifies who is driving a ledger operation. Approval and
// rejection are admin-only.
type Actor struct {
	ID   uuid.UUID `json:"id"`
	Role string    `json:"role"`
}
