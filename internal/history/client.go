// Package history talks to the chat server's REST API: paginated room
// history, the caller's room subscriptions, and login.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-teamchat/internal/store"
	"github.com/npezzotti/go-teamchat/internal/types"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("unauthorized")

// FetchError is returned for any failed request. Retryable is set for
// timeouts, network failures and server errors.
type FetchError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a FetchError worth retrying.
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable
}

type apiError struct {
	Message string `json:"message"`
}

type Client struct {
	log     *zap.Logger
	http    *http.Client
	base    *url.URL
	token   string
	timeout time.Duration
}

func NewClient(log *zap.Logger, serverURL, token string, timeout time.Duration) (*Client, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		log:     log,
		http:    &http.Client{},
		base:    base,
		token:   token,
		timeout: timeout,
	}, nil
}

func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends the request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &FetchError{Op: op, Err: err}
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// a cancelled caller is not worth retrying, a deadline or network error is
		return &FetchError{Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug("api request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)

		fe := &FetchError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(ae.Message)}
		switch {
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			fe.Err = ErrUnauthorized
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			fe.Retryable = true
		}
		if fe.Err.Error() == "" {
			fe.Err = errors.New(http.StatusText(resp.StatusCode))
		}
		return fe
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// FetchPage requests the history page described by req. Messages come back
// in ascending order.
func (c *Client) FetchPage(ctx context.Context, roomId string, req store.PageRequest) (store.Page, error) {
	q := url.Values{}
	q.Set("room_id", roomId)
	if req.Before != "" {
		q.Set("before", req.Before)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var mp types.MessagePage
	if err := c.do(ctx, "fetch page", http.MethodGet, c.endpoint("/api/messages", q), nil, &mp); err != nil {
		return store.Page{}, err
	}

	for i := range mp.Messages {
		if mp.Messages[i].RoomId == "" {
			mp.Messages[i].RoomId = roomId
		}
	}
	return store.Page{Messages: mp.Messages, HasMore: mp.HasMore, NextCursor: mp.NextCursor}, nil
}

// ListRooms returns the rooms the caller is subscribed to.
func (c *Client) ListRooms(ctx context.Context) ([]types.Subscription, error) {
	var subs []types.Subscription
	if err := c.do(ctx, "list rooms", http.MethodGet, c.endpoint("/api/subscriptions", nil), nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// Login exchanges credentials for a session token. The token is also kept
// for later requests.
func (c *Client) Login(ctx context.Context, email, password string) (types.LoginResponse, error) {
	var lr types.LoginResponse
	body := types.LoginRequest{Email: email, Password: password}
	if err := c.do(ctx, "login", http.MethodPost, c.endpoint("/api/auth/login", nil), body, &lr); err != nil {
		return types.LoginResponse{}, err
	}
	c.token = lr.Token
	return lr, nil
}
