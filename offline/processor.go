package offline

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

type CommitLine struct {
	ItemId   int             `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// CommitRequest is the body of the backend commit operation.
type CommitRequest struct {
	LocalId           string          `json:"local_id"`
	SubmitterId       string          `json:"submitter_id,omitempty"`
	PaymentMode       string          `json:"payment_mode"`
	PaymentDetails    []PaymentSplit  `json:"payment_details,omitempty"`
	Discount          decimal.Decimal `json:"discount"`
	AdditionalCharges decimal.Decimal `json:"additional_charges"`
	Items             []CommitLine    `json:"items"`
}

// Committer submits a transaction to the backend and waits for the outcome.
type Committer interface {
	CommitBill(ctx context.Context, businessId string, req CommitRequest) (*Confirmation, error)
}

// EntryApplier applies a legacy sync entry on the backend.
type EntryApplier interface {
	ApplyEntry(ctx context.Context, businessId string, entry SyncQueueEntry) error
}

// NewCommitRequest builds the backend request for tx.
func NewCommitRequest(tx PendingTransaction) CommitRequest {
	req := CommitRequest{
		LocalId:           tx.LocalId,
		SubmitterId:       tx.SubmitterId,
		PaymentMode:       tx.PaymentMode,
		PaymentDetails:    tx.PaymentDetails,
		Discount:          tx.Discount,
		AdditionalCharges: tx.AdditionalCharges,
		Items:             make([]CommitLine, 0, len(tx.Items)),
	}
	for _, line := range tx.Items {
		req.Items = append(req.Items, CommitLine{ItemId: line.ItemId, Quantity: line.Quantity})
	}
	return req
}

// DrainResult counts the outcome of one drain. Deferred transactions were left
// untouched behind a failed commit and go out on the next drain.
type DrainResult struct {
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

type commitOutcome int

const (
	commitSynced commitOutcome = iota
	// the transaction is rejected or dead-lettered; later ones may proceed
	commitSkipped
	// the transaction keeps its place; nothing after it may commit first
	commitBlocked
)

type ProcessorOptions struct {
	// Applier drains legacy entries; without one they stay queued.
	Applier EntryApplier
	// Layer receives a bill confirmed event per synced transaction.
	Layer  *realtime.Layer
	Logger *logrus.Logger
	Tracer trace.Tracer
}

// Processor submits queued transactions to the backend one at a time, oldest first.
type Processor struct {
	queue     *Queue
	committer Committer
	applier   EntryApplier
	layer     *realtime.Layer
	logger    *logrus.Logger
	tracer    trace.Tracer

	running atomic.Bool
}

func NewProcessor(queue *Queue, committer Committer, opts ProcessorOptions) *Processor {
	p := &Processor{
		queue:     queue,
		committer: committer,
		applier:   opts.Applier,
		layer:     opts.Layer,
		logger:    config.LoggerOrDefault(opts.Logger),
		tracer:    opts.Tracer,
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("bitbucket.org/mmdatafocus/pos_sync/offline")
	}
	return p
}

// Running reports whether a drain is in progress.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Drain submits every pending transaction and then every legacy entry.
// A transient commit failure ends the drain so creation order stays commit order;
// validation failures and dead letters are passed over.
// Only one drain runs at a time; a concurrent call returns ErrDrainInProgress.
// Dead-lettered transactions are counted as failed without being submitted.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer p.running.Store(false)

	ctx, span := p.tracer.Start(ctx, "offline.Drain")
	defer span.End()

	var result DrainResult
	pending, err := p.queue.ListPending(ctx)
	if err != nil {
		config.LogError(p.logger, "offline", "Drain", "list pending transactions", nil, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.Int("pending", len(pending)))

	blocked := false
	for i, tx := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if p.queue.IsDeadLettered(tx) {
			result.Failed++
			continue
		}
		switch p.commit(ctx, tx) {
		case commitSynced:
			result.Synced++
			continue
		case commitSkipped:
			result.Failed++
			continue
		}
		result.Failed++
		for _, later := range pending[i+1:] {
			if !p.queue.IsDeadLettered(later) {
				result.Deferred++
			}
		}
		blocked = true
		break
	}

	if p.applier != nil && !blocked {
		synced, failed, err := p.drainEntries(ctx)
		result.Synced += synced
		result.Failed += failed
		if err != nil {
			return result, err
		}
	}

	span.SetAttributes(
		attribute.Int("synced", result.Synced),
		attribute.Int("failed", result.Failed),
		attribute.Int("deferred", result.Deferred),
	)
	if result.Synced > 0 || result.Failed > 0 {
		p.logger.WithFields(logrus.Fields{
			"synced":   result.Synced,
			"failed":   result.Failed,
			"deferred": result.Deferred,
		}).Info("offline: drain finished")
	}
	return result, nil
}

func (p *Processor) commit(ctx context.Context, tx PendingTransaction) commitOutcome {
	ctx, span := p.tracer.Start(ctx, "offline.CommitBill", trace.WithAttributes(
		attribute.String("local_id", tx.LocalId),
		attribute.Int("attempt", tx.RetryCount+1),
	))
	defer span.End()

	confirmation, err := p.committer.CommitBill(ctx, tx.BusinessId, NewCommitRequest(tx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p.recordFailure(ctx, tx, err) || IsPermanent(err) {
			return commitSkipped
		}
		return commitBlocked
	}
	span.SetAttributes(attribute.Int64("bill_number", confirmation.BillNumber))

	if _, err := p.queue.MarkSynced(ctx, tx.LocalId, *confirmation); err != nil {
		// the bill exists on the backend; the next drain resubmits the same
		// local id and gets it back as a duplicate
		config.LogError(p.logger, "offline", "Drain", "mark synced", tx.LocalId, err)
		return commitSkipped
	}

	p.logger.WithFields(logrus.Fields{
		"local_id":    tx.LocalId,
		"bill_number": confirmation.BillNumber,
		"duplicate":   confirmation.Duplicate,
	}).Info("offline: transaction synced")
	p.publishConfirmed(ctx, tx, *confirmation)
	return commitSynced
}

// recordFailure counts the attempt and reports whether it dead-lettered tx.
func (p *Processor) recordFailure(ctx context.Context, tx PendingTransaction, cause error) bool {
	updated, err := p.queue.RecordFailure(ctx, tx.LocalId, cause)
	if err != nil {
		config.LogError(p.logger, "offline", "Drain", "record failure", tx.LocalId, err)
		return false
	}
	fields := logrus.Fields{
		"local_id": tx.LocalId,
		"attempt":  updated.RetryCount,
		"error":    cause.Error(),
	}
	if code := updated.LastErrorCode; code != "" {
		fields["error_code"] = code
	}
	if p.queue.IsDeadLettered(*updated) {
		p.logger.WithFields(fields).Error("offline: transaction dead-lettered after max retries")
		return true
	}
	p.logger.WithFields(fields).Warn("offline: commit failed, will retry")
	return false
}

// publishConfirmed reuses the backend's change event id so the same
// confirmation arriving over the durable feed is dropped as a duplicate.
func (p *Processor) publishConfirmed(ctx context.Context, tx PendingTransaction, c Confirmation) {
	if p.layer == nil {
		return
	}
	payload := realtime.BillConfirmed{
		BillId:            c.BillId,
		BillNumber:        c.BillNumber,
		LocalId:           tx.LocalId,
		ProvisionalNumber: tx.ProvisionalNumber,
		TotalAmount:       c.TotalAmount,
	}
	ev, err := realtime.NewEvent(tx.BusinessId, realtime.EntityBill, realtime.KindCreated, strconv.Itoa(c.BillId), payload)
	if err != nil {
		config.LogError(p.logger, "offline", "publishConfirmed", "build event", tx.LocalId, err)
		return
	}
	if c.EventId != "" {
		ev.ID = c.EventId
	}
	_ = p.layer.Publish(ctx, ev)
}

func (p *Processor) drainEntries(ctx context.Context) (synced, failed int, err error) {
	entries, err := p.queue.ListEntries(ctx)
	if err != nil {
		config.LogError(p.logger, "offline", "Drain", "list sync entries", nil, err)
		return 0, 0, err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return synced, failed, err
		}
		if applyErr := p.applier.ApplyEntry(ctx, p.queue.businessId, entry); applyErr != nil {
			failed++
			abandoned, err := p.queue.RecordEntryFailure(ctx, entry.EntryId, applyErr)
			if err != nil {
				config.LogError(p.logger, "offline", "Drain", "record entry failure", entry.EntryId, err)
			} else if !abandoned {
				p.logger.WithFields(logrus.Fields{
					"entry_id": entry.EntryId,
					"attempt":  entry.RetryCount + 1,
					"error":    applyErr.Error(),
				}).Warn("offline: sync entry failed, will retry")
			}
			continue
		}
		if err := p.queue.CompleteEntry(ctx, entry.EntryId); err != nil {
			config.LogError(p.logger, "offline", "Drain", "complete entry", entry.EntryId, err)
			failed++
			continue
		}
		synced++
	}
	return synced, failed, nil
}
