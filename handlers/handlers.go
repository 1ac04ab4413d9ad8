package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"bitbucket.org/mmdatafocus/pos_sync/appctx"
	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeInternal       = "INTERNAL"
)

type commitResponse struct {
	Success     bool            `json:"success"`
	BillId      int             `json:"bill_id,omitempty"`
	BillNumber  int64           `json:"bill_number,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Duplicate   bool            `json:"duplicate"`
	EventId     string          `json:"event_id,omitempty"`
}

type failureResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	ItemId    int    `json:"item_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

func (s *server) fail(c *gin.Context, status int, code string, message string) {
	c.JSON(status, failureResponse{ErrorCode: code, Message: message})
}

func (s *server) internalError(c *gin.Context, funcName string, data any, err error) {
	config.LogError(s.logger, "handlers", funcName, c.Request.URL.Path, data, err)
	_ = c.Error(err)
	s.fail(c, http.StatusInternalServerError, codeInternal, "")
}

func businessId(c *gin.Context) string {
	id, _ := appctx.GetBusinessId(c.Request.Context())
	return id
}

// CommitBillHandler is POST /bills.
func (s *server) CommitBillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBillCommit
		if err := c.ShouldBindJSON(&input); err != nil {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		if input.SubmitterId == "" {
			input.SubmitterId, _ = appctx.GetUserId(c.Request.Context())
		}

		result, err := models.CommitBill(c.Request.Context(), businessId(c), &input)
		if err != nil {
			var commitErr *models.CommitError
			switch {
			case errors.As(err, &commitErr):
				status := http.StatusConflict
				if commitErr.Code == models.CommitErrorItemNotFound {
					status = http.StatusNotFound
				}
				c.JSON(status, failureResponse{ErrorCode: commitErr.Code, ItemId: commitErr.ItemId, Message: commitErr.Error()})
			case errors.Is(err, models.ErrInvalidCommit), errors.Is(err, models.ErrTenantRequired):
				s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			default:
				s.internalError(c, "CommitBill", input.LocalId, err)
			}
			return
		}

		if result.Event != nil {
			s.broadcast(c.Request.Context(), *result.Event)
		}
		c.JSON(http.StatusOK, commitResponse{
			Success:     true,
			BillId:      result.BillId,
			BillNumber:  result.BillNumber,
			TotalAmount: result.TotalAmount,
			Duplicate:   result.Duplicate,
			EventId:     result.EventId,
		})
	}
}

// ChangesHandler is GET /changes. With session set, permission events are
// limited to that account and its parent.
func (s *server) ChangesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
		if err != nil || after < 0 {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, "after must be a non-negative integer")
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
		if err != nil || limit < 0 {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, "limit must be a non-negative integer")
			return
		}

		filter := models.ChangeEventFilter{
			After:  after,
			Limit:  limit,
			Entity: realtime.EntityType(c.Query("entity")),
		}
		if session := c.Query("session"); session != "" {
			filter.Sessions = []string{session}
			grants, err := models.GetAccountGrants(c.Request.Context(), businessId(c), session)
			switch {
			case err == nil && grants.ParentId != "":
				filter.Sessions = append(filter.Sessions, grants.ParentId)
			case err != nil && !errors.Is(err, models.ErrAccountNotFound):
				s.internalError(c, "Changes", session, err)
				return
			}
		}

		events, next, err := models.ListChangeEvents(c.Request.Context(), businessId(c), filter)
		if err != nil {
			s.internalError(c, "Changes", filter, err)
			return
		}
		if events == nil {
			events = []realtime.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "next": next})
	}
}

// GetGrantsHandler is GET /accounts/:id/grants.
func (s *server) GetGrantsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		grants, err := models.GetAccountGrants(c.Request.Context(), businessId(c), c.Param("id"))
		if errors.Is(err, models.ErrAccountNotFound) {
			s.fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "")
			return
		}
		if err != nil {
			s.internalError(c, "GetGrants", c.Param("id"), err)
			return
		}
		c.JSON(http.StatusOK, grants)
	}
}

type saveGrantRequest struct {
	Allowed *bool `json:"allowed" binding:"required"`
}

// SaveGrantHandler is PUT /accounts/:id/grants/:page.
func (s *server) SaveGrantHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req saveGrantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		grant, events, err := models.SaveGrant(c.Request.Context(), businessId(c), c.Param("id"), c.Param("page"), *req.Allowed)
		switch {
		case errors.Is(err, models.ErrAccountNotFound):
			s.fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "")
			return
		case errors.Is(err, models.ErrInvalidEntry):
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		case err != nil:
			s.internalError(c, "SaveGrant", c.Param("id"), err)
			return
		}
		s.broadcast(c.Request.Context(), events...)
		c.JSON(http.StatusOK, grant)
	}
}

// CreateItemHandler is POST /items.
func (s *server) CreateItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewItem
		if err := c.ShouldBindJSON(&input); err != nil {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		item, event, err := models.CreateItem(c.Request.Context(), businessId(c), &input)
		if errors.Is(err, models.ErrInvalidCommit) {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		if err != nil {
			s.internalError(c, "CreateItem", input.Name, err)
			return
		}
		s.broadcast(c.Request.Context(), event)
		c.JSON(http.StatusCreated, item)
	}
}

// UpdateItemHandler is PUT /items/:id.
func (s *server) UpdateItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, "invalid item id")
			return
		}
		var input models.NewItem
		if err := c.ShouldBindJSON(&input); err != nil {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		item, event, err := models.UpdateItem(c.Request.Context(), businessId(c), id, &input)
		switch {
		case errors.Is(err, models.ErrItemNotFound):
			s.fail(c, http.StatusNotFound, models.CommitErrorItemNotFound, "")
			return
		case errors.Is(err, models.ErrInvalidCommit):
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		case err != nil:
			s.internalError(c, "UpdateItem", id, err)
			return
		}
		s.broadcast(c.Request.Context(), event)
		c.JSON(http.StatusOK, item)
	}
}

// ApplyEntryHandler is POST /sync/:type for entries queued offline.
func (s *server) ApplyEntryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("type") != string(realtime.EntityExpense) {
			s.fail(c, http.StatusNotFound, codeInvalidRequest, "unsupported sync type "+c.Param("type"))
			return
		}
		var entry models.SyncEntry
		if err := c.ShouldBindJSON(&entry); err != nil {
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		expense, events, err := models.ApplyExpenseEntry(c.Request.Context(), businessId(c), &entry)
		switch {
		case errors.Is(err, models.ErrExpenseNotFound):
			s.fail(c, http.StatusNotFound, "EXPENSE_NOT_FOUND", "")
			return
		case errors.Is(err, models.ErrInvalidEntry):
			s.fail(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		case err != nil:
			s.internalError(c, "ApplyEntry", entry.EntryId, err)
			return
		}
		s.broadcast(c.Request.Context(), events...)
		c.JSON(http.StatusOK, gin.H{"success": true, "expense": expense})
	}
}
