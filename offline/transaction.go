// Package offline buffers sales on the device until the backend confirms them.
//
// Pending transactions and legacy sync entries live in the local store, so a
// drain interrupted by a restart resumes by simply draining again.
package offline

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxRetries is the number of failed attempts after which an entry is
// dead-lettered (bills) or abandoned (legacy entries).
const DefaultMaxRetries = 5

var (
	// ErrDrainInProgress is returned when Drain is called while another drain runs.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrAlreadySynced is returned when a synced transaction would be modified.
	ErrAlreadySynced = errors.New("transaction already synced")

	// ErrInvalidTransaction wraps validation failures at enqueue time.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrNotDeadLettered is returned by Requeue for entries still being retried.
	ErrNotDeadLettered = errors.New("transaction is not dead-lettered")
)

type LineItem struct {
	ItemId    int             `json:"item_id" validate:"required,gt=0"`
	Name      string          `json:"name,omitempty"`
	Quantity  decimal.Decimal `json:"quantity" validate:"dgt0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	BaseValue decimal.Decimal `json:"base_value"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type PaymentSplit struct {
	Mode   string          `json:"mode" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// PendingTransaction is a sale captured on the device and not yet confirmed by
// the backend. The provisional number is for display only.
type PendingTransaction struct {
	LocalId           string          `json:"local_id"`
	BusinessId        string          `json:"business_id" validate:"required"`
	SubmitterId       string          `json:"submitter_id,omitempty"`
	ProvisionalNumber string          `json:"provisional_number"`
	Items             []LineItem      `json:"items" validate:"required,min=1,dive"`
	PaymentMode       string          `json:"payment_mode" validate:"required"`
	PaymentDetails    []PaymentSplit  `json:"payment_details,omitempty" validate:"dive"`
	Discount          decimal.Decimal `json:"discount"`
	AdditionalCharges decimal.Decimal `json:"additional_charges"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	CreatedAt         time.Time       `json:"created_at"`

	Synced        bool       `json:"synced"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	BillId        int        `json:"bill_id,omitempty"`
	BillNumber    int64      `json:"bill_number,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorCode string     `json:"last_error_code,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// Confirmation is what the backend returned for a committed transaction.
type Confirmation struct {
	BillId      int             `json:"bill_id"`
	BillNumber  int64           `json:"bill_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Duplicate   bool            `json:"duplicate,omitempty"`
	EventId     string          `json:"event_id,omitempty"`
}

// SyncQueueEntry is the generic envelope for non-bill mutations made offline.
type SyncQueueEntry struct {
	EntryId    string          `json:"entry_id"`
	Type       string          `json:"type" validate:"required"`
	Action     string          `json:"action" validate:"required,oneof=create update delete"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// Stats feeds the pending counter and the needs-attention badge.
type Stats struct {
	Pending      int `json:"pending"`
	DeadLettered int `json:"dead_lettered"`
	Synced       int `json:"synced"`
	Entries      int `json:"entries"`
}

// codedError is implemented by failures that carry a structured backend code.
type codedError interface {
	ErrorCode() string
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}
