package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_sync/offline"
	"bitbucket.org/mmdatafocus/pos_sync/permission"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

type commitResponse struct {
	Success     bool            `json:"success"`
	BillId      int             `json:"bill_id"`
	BillNumber  int64           `json:"bill_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Duplicate   bool            `json:"duplicate"`
	EventId     string          `json:"event_id"`
	ErrorCode   string          `json:"error_code"`
	ItemId      int             `json:"item_id"`
	Message     string          `json:"message"`
}

// CommitBill submits a transaction. Structured failures come back as *CommitFailure.
func (c *Client) CommitBill(ctx context.Context, businessId string, req offline.CommitRequest) (*offline.Confirmation, error) {
	if len(req.Items) == 0 {
		return nil, &CommitFailure{Code: CodeInvalidRequest, Message: "no items"}
	}
	var resp commitResponse
	err := c.do(ctx, requestSpec{
		method:     http.MethodPost,
		path:       "/bills",
		body:       req,
		businessId: businessId,
		userId:     req.SubmitterId,
	}, decodeJSON(&resp), func(status int, body []byte) error {
		var failed commitResponse
		if json.Unmarshal(body, &failed) != nil || failed.ErrorCode == "" {
			return &HTTPError{StatusCode: status, Message: errorMessage(body)}
		}
		return &CommitFailure{StatusCode: status, Code: failed.ErrorCode, ItemId: failed.ItemId, Message: failed.Message}
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &CommitFailure{StatusCode: http.StatusOK, Code: resp.ErrorCode, ItemId: resp.ItemId, Message: resp.Message}
	}
	return &offline.Confirmation{
		BillId:      resp.BillId,
		BillNumber:  resp.BillNumber,
		TotalAmount: resp.TotalAmount,
		Duplicate:   resp.Duplicate,
		EventId:     resp.EventId,
	}, nil
}

// ApplyEntry replays a legacy sync entry against POST /sync/:type.
func (c *Client) ApplyEntry(ctx context.Context, businessId string, entry offline.SyncQueueEntry) error {
	if entry.Type == "" {
		return ErrInvalidArgument
	}
	return c.do(ctx, requestSpec{
		method:     http.MethodPost,
		path:       "/sync/" + url.PathEscape(entry.Type),
		businessId: businessId,
		body: map[string]any{
			"entry_id": entry.EntryId,
			"action":   entry.Action,
			"payload":  entry.Payload,
		},
	}, nil, nil)
}

type changesResponse struct {
	Events []realtime.Event `json:"events"`
	Next   int64            `json:"next"`
}

// Changes reads the durable change feed after the given position. It satisfies realtime.Feed.
func (c *Client) Changes(ctx context.Context, after int64, limit int) ([]realtime.Event, int64, error) {
	query := url.Values{}
	query.Set("after", itoa(after))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if c.sessionId != "" {
		query.Set("session", c.sessionId)
	}
	var resp changesResponse
	err := c.do(ctx, requestSpec{method: http.MethodGet, path: "/changes", query: query}, decodeJSON(&resp), nil)
	if err != nil {
		return nil, after, err
	}
	if resp.Next < after {
		resp.Next = after
	}
	return resp.Events, resp.Next, nil
}

type grantsResponse struct {
	AccountId    string          `json:"account_id"`
	Role         string          `json:"role"`
	ParentId     string          `json:"parent_id"`
	Grants       map[string]bool `json:"grants"`
	ParentGrants map[string]bool `json:"parent_grants"`
}

// Hierarchy reads an account's grants and its parent's. It satisfies permission.Source.
func (c *Client) Hierarchy(ctx context.Context, accountId string) (permission.Hierarchy, error) {
	if accountId == "" {
		return permission.Hierarchy{}, ErrInvalidArgument
	}
	var resp grantsResponse
	err := c.do(ctx, requestSpec{
		method: http.MethodGet,
		path:   "/accounts/" + url.PathEscape(accountId) + "/grants",
	}, decodeJSON(&resp), nil)
	if err != nil {
		return permission.Hierarchy{}, fmt.Errorf("read grants of %s: %w", accountId, err)
	}
	return permission.Hierarchy{
		AccountId: resp.AccountId,
		Role:      permission.Role(resp.Role),
		ParentId:  resp.ParentId,
		Own:       toGrants(resp.Grants),
		Parent:    toGrants(resp.ParentGrants),
	}, nil
}

func toGrants(in map[string]bool) permission.Grants {
	out := make(permission.Grants, len(in))
	for page, allowed := range in {
		out[permission.Page(page)] = allowed
	}
	return out
}
