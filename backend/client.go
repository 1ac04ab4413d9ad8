// Package backend is the device's HTTP client for the sync server.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_sync/config"
)

const (
	HeaderBusinessId    = "X-Business-Id"
	HeaderUserId        = "X-User-Id"
	HeaderCorrelationId = "X-Correlation-Id"
)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	BusinessId string
	UserId     string
	// SessionId filters permission events on the change feed.
	SessionId        string
	MaxResponseBytes int64
	Logger           *logrus.Logger
}

// Client calls the sync server. It does not retry: the sync processor owns
// retries, and timeouts come from the http.Client.
type Client struct {
	baseURL          *url.URL
	httpClient       *http.Client
	businessId       string
	userId           string
	sessionId        string
	maxResponseBytes int64
	logger           *logrus.Logger
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidArgument)
	}
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 4 << 20
	}
	return &Client{
		baseURL:          parsed,
		httpClient:       opts.HTTPClient,
		businessId:       opts.BusinessId,
		userId:           opts.UserId,
		sessionId:        opts.SessionId,
		maxResponseBytes: opts.MaxResponseBytes,
		logger:           config.LoggerOrDefault(opts.Logger),
	}, nil
}

type requestSpec struct {
	method     string
	path       string
	query      url.Values
	body       any
	businessId string
	userId     string
}

// do sends rs and hands 2xx responses to onSuccess and others to onFailure.
func (c *Client) do(ctx context.Context, rs requestSpec, onSuccess func(body []byte) error, onFailure func(status int, body []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var reader io.Reader
	if rs.body != nil {
		payload, err := json.Marshal(rs.body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, rs.method, c.buildURL(rs.path, rs.query), reader)
	if err != nil {
		return err
	}
	if rs.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	businessId := rs.businessId
	if businessId == "" {
		businessId = c.businessId
	}
	if businessId != "" {
		req.Header.Set(HeaderBusinessId, businessId)
	}
	userId := rs.userId
	if userId == "" {
		userId = c.userId
	}
	if userId != "" {
		req.Header.Set(HeaderUserId, userId)
	}
	correlationId := uuid.NewString()
	req.Header.Set(HeaderCorrelationId, correlationId)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", rs.method, rs.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", rs.method, rs.path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if onSuccess == nil {
			return nil
		}
		return onSuccess(body)
	}

	c.logger.WithFields(logrus.Fields{
		"method":         rs.method,
		"path":           rs.path,
		"status":         resp.StatusCode,
		"correlation_id": correlationId,
	}).Debug("backend: request failed")
	if onFailure != nil {
		return onFailure(resp.StatusCode, body)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
}

func (c *Client) buildURL(pathSuffix string, query url.Values) string {
	base := *c.baseURL
	base.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.TrimPrefix(pathSuffix, "/")
	if query != nil {
		base.RawQuery = query.Encode()
	}
	return base.String()
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func decodeJSON(dest any) func([]byte) error {
	return func(body []byte) error {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
		}
		return nil
	}
}

// Health checks the server is reachable. It satisfies netmon.CheckFunc.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, requestSpec{method: http.MethodGet, path: "/healthz"}, nil, nil)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
