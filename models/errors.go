package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrTenantRequired    = errors.New("business id is required")
	ErrItemNotFound      = errors.New("item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidCommit     = errors.New("invalid bill commit")
	ErrAccountNotFound   = errors.New("account not found")
	ErrExpenseNotFound   = errors.New("expense not found")
	ErrInvalidEntry      = errors.New("invalid sync entry")
)

// Commit failure codes returned to clients.
const (
	CommitErrorItemNotFound      = "ITEM_NOT_FOUND"
	CommitErrorInsufficientStock = "INSUFFICIENT_STOCK"
)

// CommitError is a validation failure of a bill commit. Nothing was written.
type CommitError struct {
	Code   string
	ItemId int
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: item %d", e.Err.Error(), e.ItemId)
}

func (e *CommitError) Unwrap() error { return e.Err }

func itemNotFound(itemId int) error {
	return &CommitError{Code: CommitErrorItemNotFound, ItemId: itemId, Err: ErrItemNotFound}
}

func insufficientStock(itemId int) error {
	return &CommitError{Code: CommitErrorInsufficientStock, ItemId: itemId, Err: ErrInsufficientStock}
}

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
