package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/localstore"
	"bitbucket.org/mmdatafocus/pos_sync/netmon"
)

// Sale is what the billing screen hands over when a bill is settled.
type Sale struct {
	SubmitterId       string
	PaymentMode       string
	PaymentDetails    []PaymentSplit
	Discount          decimal.Decimal
	AdditionalCharges decimal.Decimal
	Items             []LineItem
}

// SaleOutcome tells the caller whether the bill is confirmed or waiting in the queue.
type SaleOutcome struct {
	LocalId           string          `json:"local_id"`
	Queued            bool            `json:"queued"`
	ProvisionalNumber string          `json:"provisional_number,omitempty"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	Confirmation      *Confirmation   `json:"confirmation,omitempty"`
}

// permanentError is implemented by backend failures that retrying cannot fix.
type permanentError interface {
	Permanent() bool
}

// IsPermanent reports whether err is a validation failure from the backend.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) && p.Permanent()
}

// Checkout settles sales: directly against the backend when online, through
// the queue otherwise.
type Checkout struct {
	queue     *Queue
	committer Committer
	processor *Processor
	monitor   *netmon.Monitor
	logger    *logrus.Logger
}

func NewCheckout(queue *Queue, committer Committer, processor *Processor, monitor *netmon.Monitor, logger *logrus.Logger) *Checkout {
	return &Checkout{
		queue:     queue,
		committer: committer,
		processor: processor,
		monitor:   monitor,
		logger:    config.LoggerOrDefault(logger),
	}
}

// Sell records a sale. Validation failures are returned to the caller and never
// queued. A transient backend failure or being offline queues the sale. If the
// local store is unavailable while offline the sale fails, since it could not
// be kept anywhere.
func (c *Checkout) Sell(ctx context.Context, sale Sale) (*SaleOutcome, error) {
	tx := PendingTransaction{
		LocalId:           uuid.NewString(),
		SubmitterId:       sale.SubmitterId,
		PaymentMode:       sale.PaymentMode,
		PaymentDetails:    sale.PaymentDetails,
		Discount:          sale.Discount,
		AdditionalCharges: sale.AdditionalCharges,
		Items:             sale.Items,
	}
	if err := c.queue.prepare(&tx); err != nil {
		return nil, err
	}

	if c.monitor == nil || c.monitor.Online() {
		confirmation, err := c.committer.CommitBill(ctx, tx.BusinessId, NewCommitRequest(tx))
		if err == nil {
			if c.processor != nil {
				c.processor.publishConfirmed(ctx, tx, *confirmation)
			}
			return &SaleOutcome{
				LocalId:      tx.LocalId,
				TotalAmount:  confirmation.TotalAmount,
				Confirmation: confirmation,
			}, nil
		}
		if IsPermanent(err) {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"local_id": tx.LocalId,
			"error":    err.Error(),
		}).Warn("offline: direct commit failed, queueing sale")
	}

	localId, err := c.queue.Enqueue(ctx, tx)
	if err != nil {
		if errors.Is(err, localstore.ErrStorageUnavailable) {
			return nil, fmt.Errorf("sale not recorded, offline buffering unavailable: %w", err)
		}
		return nil, err
	}
	queued, err := c.queue.Get(ctx, localId)
	if err != nil {
		return nil, err
	}
	return &SaleOutcome{
		LocalId:           localId,
		Queued:            true,
		ProvisionalNumber: queued.ProvisionalNumber,
		TotalAmount:       queued.TotalAmount,
	}, nil
}
