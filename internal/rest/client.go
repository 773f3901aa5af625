package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/consultlink/go-consult/internal/types"
)

const requestTimeout = 15 * time.Second

// SessionFunc returns the current session. The auth collaborator owns the
// session, so the client re-reads it on every request.
type SessionFunc func() types.Session

type Client struct {
	baseURL    string
	sessionFn  SessionFunc
	httpClient *http.Client
	log        *zap.Logger
}

var _ ConsultAPI = (*Client)(nil)

func NewClient(baseURL string, sessionFn SessionFunc, log *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		sessionFn:  sessionFn,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
	}
}

// envelope is the wire shape shared by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return types.NewInvalidRequest(fmt.Sprintf("encode request body: %s", err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return types.NewInvalidRequest(fmt.Sprintf("build request: %s", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.sessionFn().AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewTransportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return types.NewTransportError(fmt.Sprintf("%s %s: decode response", method, path), err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return types.NewAuthError(env.Message)
	}
	if resp.StatusCode == http.StatusConflict {
		return types.NewActionConflict(env.Message)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		c.log.Debug("request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", env.Message))
		return types.NewTransportError(fmt.Sprintf("%s %s: %s", method, path, env.Message), nil)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return types.NewTransportError(fmt.Sprintf("%s %s: decode data", method, path), err)
		}
	}

	return nil
}

func (c *Client) History(ctx context.Context, roomKey string) ([]types.Message, error) {
	var msgs []types.Message
	path := "/api/rooms/" + url.PathEscape(roomKey) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) CreateChat(ctx context.Context, bookingId string) (string, error) {
	var data struct {
		ChatId string `json:"chat_id"`
	}
	body := map[string]string{"booking_id": bookingId}
	if err := c.do(ctx, http.MethodPost, "/api/chats", body, &data); err != nil {
		return "", err
	}
	return data.ChatId, nil
}

func (c *Client) MarkRead(ctx context.Context, roomKey string) error {
	path := "/api/rooms/" + url.PathEscape(roomKey) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, roomKey, body string) (types.Message, error) {
	var msg types.Message
	path := "/api/rooms/" + url.PathEscape(roomKey) + "/messages"
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, path, payload, &msg); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

func (c *Client) PendingBookingRequests(ctx context.Context) ([]types.BookingRequest, error) {
	var reqs []types.BookingRequest
	if err := c.do(ctx, http.MethodGet, "/api/bookings/pending", nil, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (c *Client) AcceptBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/bookings/"+url.PathEscape(id)+"/accept", nil, nil)
}

func (c *Client) RejectBooking(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/bookings/"+url.PathEscape(id)+"/reject", nil, nil)
}
