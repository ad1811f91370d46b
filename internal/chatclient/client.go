// Package chatclient is a Go client for the escrowchat API plus a chat
// session that keeps an optimistic, reconciled view of one order channel.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/message"
)

// Errors matched by APIError through errors.Is.
var (
	ErrUnauthorized  = errors.New("session required")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("invalid request")
	ErrChannelClosed = errors.New("message channel closed")
	ErrConflict      = errors.New("conflict")
	ErrServer        = errors.New("server error")
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusBadRequest:
		return ErrValidation
	case e.StatusCode == http.StatusConflict && e.Code == "channel_closed":
		return ErrChannelClosed
	case e.StatusCode == http.StatusConflict:
		return ErrConflict
	default:
		return ErrServer
	}
}

// OrderSummary is the order block of a thread response.
type OrderSummary struct {
	ID          string `json:"id"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	BuyerEmail  string `json:"buyerEmail"`
	SellerEmail string `json:"sellerEmail"`
}

// Thread is the response of the message list endpoints.
type Thread struct {
	Messages []*message.Message `json:"messages"`
	Order    OrderSummary       `json:"order"`
	Dispute  *dispute.Dispute   `json:"dispute,omitempty"`
}

// PostRequest is the body of a message post.
type PostRequest struct {
	Blocks    message.Content `json:"blocks"`
	DisputeID string          `json:"disputeId,omitempty"`
	IsModOnly bool            `json:"isModOnly,omitempty"`
}

// Client talks to the escrowchat REST API with a bearer session token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a client for baseURL (e.g. http://localhost:8080).
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Me returns the actor the session token belongs to.
func (c *Client) Me(ctx context.Context) (*auth.Actor, error) {
	var resp struct {
		Actor *auth.Actor `json:"actor"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Actor, nil
}

// ListMessages returns the order channel visible to the caller.
func (c *Client) ListMessages(ctx context.Context, orderID string) (*Thread, error) {
	var t Thread
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/messages", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PostMessage posts to an order channel.
func (c *Client) PostMessage(ctx context.Context, orderID string, req PostRequest) (*message.Message, error) {
	var resp struct {
		Message *message.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// ListDisputeMessages returns the channel of the dispute's order.
func (c *Client) ListDisputeMessages(ctx context.Context, disputeID string) (*Thread, error) {
	var t Thread
	if err := c.do(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(disputeID)+"/messages", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PostDisputeMessage posts into a dispute explicitly.
func (c *Client) PostDisputeMessage(ctx context.Context, disputeID string, content message.Content, modOnly bool) (*message.Message, error) {
	var resp struct {
		Message *message.Message `json:"message"`
	}
	req := PostRequest{Blocks: content, IsModOnly: modOnly}
	if err := c.do(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID)+"/messages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// OpenDispute raises a dispute on an order.
func (c *Client) OpenDispute(ctx context.Context, orderID string, req dispute.OpenRequest) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(orderID)+"/disputes", req)
}

// GetDispute fetches one dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(id), nil)
}

// ClaimDispute moves an open dispute under review.
func (c *Client) ClaimDispute(ctx context.Context, id string) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/claim", nil)
}

// ResolveDispute closes a dispute with an outcome.
func (c *Client) ResolveDispute(ctx context.Context, id string, req dispute.ResolveRequest) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/resolve", req)
}

// CancelDispute cancels a dispute with an optional note.
func (c *Client) CancelDispute(ctx context.Context, id, note string) (*dispute.Dispute, error) {
	return c.disputeCall(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(id)+"/cancel", map[string]string{"note": note})
}

func (c *Client) disputeCall(ctx context.Context, method, path string, body interface{}) (*dispute.Dispute, error) {
	var resp struct {
		Dispute *dispute.Dispute `json:"dispute"`
	}
	if err := c.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.Dispute, nil
}

// StreamURL returns the WebSocket URL of an order's push stream.
func (c *Client) StreamURL(orderID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/orders/" + url.PathEscape(orderID) + "/stream"
}

// AuthHeader returns the headers that authenticate a request.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.AuthHeader()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
