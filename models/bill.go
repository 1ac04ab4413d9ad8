package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/pos_sync/models")

// Bill is a committed sale. BillNumber is unique and increasing per business.
type Bill struct {
	ID                int             `gorm:"primary_key" json:"id"`
	BusinessId        string          `gorm:"size:64;not null;index:uniq_bill_local,unique,priority:1;index:uniq_bill_number,unique,priority:1" json:"business_id"`
	LocalId           string          `gorm:"size:64;not null;index:uniq_bill_local,unique,priority:2" json:"local_id"`
	BillNumber        int64           `gorm:"not null;index:uniq_bill_number,unique,priority:2" json:"bill_number"`
	SubmitterId       string          `gorm:"size:64" json:"submitter_id"`
	PaymentMode       string          `gorm:"size:50;not null" json:"payment_mode"`
	PaymentDetails    []PaymentSplit  `gorm:"serializer:json;type:text" json:"payment_details"`
	Subtotal          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"subtotal"`
	Discount          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"discount"`
	AdditionalCharges decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"additional_charges"`
	TotalAmount       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	Details           []BillDetail    `gorm:"foreignKey:BillId" json:"details"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type BillDetail struct {
	ID        int             `gorm:"primary_key" json:"id"`
	BillId    int             `gorm:"index;not null" json:"bill_id"`
	ItemId    int             `gorm:"index;not null" json:"item_id"`
	ItemName  string          `gorm:"size:255" json:"item_name"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	BaseValue decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"base_value"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	LineTotal decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"line_total"`
}

type PaymentSplit struct {
	Mode   string          `json:"mode" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

type NewBillLine struct {
	ItemId   int             `json:"item_id" validate:"required,gt=0"`
	Quantity decimal.Decimal `json:"quantity" validate:"dgt0"`
}

// NewBillCommit is the input of CommitBill. LocalId identifies the submission
// so a retried commit returns the bill created by the first one.
type NewBillCommit struct {
	LocalId           string          `json:"local_id" validate:"max=64"`
	SubmitterId       string          `json:"submitter_id" validate:"max=64"`
	PaymentMode       string          `json:"payment_mode" validate:"required,max=50"`
	PaymentDetails    []PaymentSplit  `json:"payment_details" validate:"dive"`
	Discount          decimal.Decimal `json:"discount"`
	AdditionalCharges decimal.Decimal `json:"additional_charges"`
	Items             []NewBillLine   `json:"items" validate:"required,min=1,dive"`
}

// CommitResult reports the assigned number. EventId is the id of the bill/created
// change event and is empty for duplicates.
type CommitResult struct {
	BillId      int             `json:"bill_id"`
	BillNumber  int64           `json:"bill_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Duplicate   bool            `json:"duplicate"`
	EventId     string          `json:"event_id,omitempty"`
	Bill        *Bill           `json:"-"`
	Event       *realtime.Event `json:"-"`
}

func (input *NewBillCommit) validate() error {
	if err := validateStruct(input); err != nil {
		return err
	}
	if input.Discount.IsNegative() || input.AdditionalCharges.IsNegative() {
		return fmt.Errorf("%w: discount and additional charges must not be negative", ErrInvalidCommit)
	}
	return nil
}

func validateStruct(input any) error {
	if err := utils.GetValidator().Struct(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommit, utils.ProcessValidationErrors(err))
	}
	return nil
}

// CommitBill validates and decrements stock for every line, computes line totals,
// assigns the next bill number of the business and persists the bill in one transaction.
// Item rows are locked, so concurrent commits touching the same item serialize and
// re-read the decremented stock. Any *CommitError leaves no partial writes.
func CommitBill(ctx context.Context, businessId string, input *NewBillCommit) (*CommitResult, error) {
	ctx, span := tracer.Start(ctx, "models.CommitBill")
	defer span.End()
	span.SetAttributes(
		attribute.String("business_id", businessId),
		attribute.String("local_id", input.LocalId),
		attribute.Int("line_count", len(input.Items)),
	)

	result, err := commitBill(ctx, businessId, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("bill_number", result.BillNumber), attribute.Bool("duplicate", result.Duplicate))
	return result, nil
}

func commitBill(ctx context.Context, businessId string, input *NewBillCommit) (*CommitResult, error) {
	if businessId == "" {
		return nil, ErrTenantRequired
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	if input.LocalId == "" {
		input.LocalId = uuid.NewString()
	} else if existing, err := findBillByLocalId(ctx, businessId, input.LocalId); err != nil {
		return nil, err
	} else if existing != nil {
		return duplicateResult(existing), nil
	}

	var (
		bill   Bill
		change *ChangeEvent
	)
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := lockItems(tx, businessId, input.Items)
		if err != nil {
			return err
		}

		// total quantity per item across lines, checked before any decrement
		required := make(map[int]decimal.Decimal, len(items))
		for _, line := range input.Items {
			required[line.ItemId] = required[line.ItemId].Add(line.Quantity)
		}
		for _, line := range input.Items {
			if items[line.ItemId].StockQty.LessThan(required[line.ItemId]) {
				return insufficientStock(line.ItemId)
			}
		}

		for id, qty := range required {
			remaining := items[id].StockQty.Sub(qty)
			if err := tx.Model(&Item{}).Where("business_id = ? AND id = ?", businessId, id).
				Update("stock_qty", remaining).Error; err != nil {
				return err
			}
		}

		details := make([]BillDetail, 0, len(input.Items))
		subtotal := decimal.Zero
		for _, line := range input.Items {
			item := items[line.ItemId]
			lineTotal := utils.CalculateLineTotal(line.Quantity, item.BaseValue, item.Price)
			subtotal = subtotal.Add(lineTotal)
			details = append(details, BillDetail{
				ItemId:    item.ID,
				ItemName:  item.Name,
				Quantity:  line.Quantity,
				BaseValue: item.BaseValue,
				UnitPrice: item.Price,
				LineTotal: lineTotal,
			})
		}

		number, err := NextBillNumber(tx, businessId)
		if err != nil {
			return err
		}

		bill = Bill{
			BusinessId:        businessId,
			LocalId:           input.LocalId,
			BillNumber:        number,
			SubmitterId:       input.SubmitterId,
			PaymentMode:       input.PaymentMode,
			PaymentDetails:    input.PaymentDetails,
			Subtotal:          subtotal,
			Discount:          input.Discount,
			AdditionalCharges: input.AdditionalCharges,
			TotalAmount:       utils.CalculateBillTotal(subtotal, input.Discount, input.AdditionalCharges),
			Details:           details,
		}
		if err := tx.Create(&bill).Error; err != nil {
			return err
		}

		change, err = AppendChangeEvent(tx, businessId, realtime.EntityBill, realtime.KindCreated, strconv.Itoa(bill.ID), "", realtime.BillConfirmed{
			BillId:      bill.ID,
			BillNumber:  bill.BillNumber,
			LocalId:     bill.LocalId,
			TotalAmount: bill.TotalAmount,
		})
		return err
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			// a concurrent submission with the same local id won the insert
			if existing, findErr := findBillByLocalId(ctx, businessId, input.LocalId); findErr == nil && existing != nil {
				return duplicateResult(existing), nil
			}
		}
		return nil, err
	}

	event := change.ToEvent()
	return &CommitResult{
		BillId:      bill.ID,
		BillNumber:  bill.BillNumber,
		TotalAmount: bill.TotalAmount,
		EventId:     event.ID,
		Bill:        &bill,
		Event:       &event,
	}, nil
}

// lockItems reads and locks the referenced items in ascending id order.
func lockItems(tx *gorm.DB, businessId string, lines []NewBillLine) (map[int]*Item, error) {
	ids := make([]int, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ItemId)
	}
	ids = utils.UniqueSlice(ids)
	sort.Ints(ids)

	var rows []Item
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND id IN ?", businessId, ids).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	items := make(map[int]*Item, len(rows))
	for i := range rows {
		items[rows[i].ID] = &rows[i]
	}
	for _, line := range lines {
		if _, ok := items[line.ItemId]; !ok {
			return nil, itemNotFound(line.ItemId)
		}
	}
	return items, nil
}

func findBillByLocalId(ctx context.Context, businessId string, localId string) (*Bill, error) {
	var bill Bill
	db := config.GetDB()
	err := db.WithContext(ctx).Where("business_id = ? AND local_id = ?", businessId, localId).First(&bill).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bill, nil
}

func duplicateResult(bill *Bill) *CommitResult {
	return &CommitResult{
		BillId:      bill.ID,
		BillNumber:  bill.BillNumber,
		TotalAmount: bill.TotalAmount,
		Duplicate:   true,
		Bill:        bill,
	}
}

func GetBill(ctx context.Context, businessId string, id int) (*Bill, error) {
	var bill Bill
	db := config.GetDB()
	if err := db.WithContext(ctx).Preload("Details").Where("business_id = ? AND id = ?", businessId, id).First(&bill).Error; err != nil {
		return nil, err
	}
	return &bill, nil
}
