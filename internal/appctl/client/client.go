package client

import (
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

	"github.com/gorilla/websocket"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// Handshake replies of the control session.
const (
	authSuccess = "Success"
	authFailure = "!Invalid master key"
)

// ErrInvalidKey is returned when the server rejects the master key.
var ErrInvalidKey = errors.New("server rejected the master key")

// Client talks to an appd server
type Client struct {
	baseURL string
	key     string
	client  *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a new appd client. baseURL may use the http(s) or
// ws(s) scheme.
func NewClient(baseURL, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// joinURL joins the REST base URL with a path
func (c *Client) joinURL(path string) string {
	return httpBase(c.baseURL) + "/" + strings.TrimLeft(path, "/")
}

func httpBase(base string) string {
	switch {
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	}
	return base
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	}
	return "ws://" + base
}

// Session is an authenticated control connection.
type Session struct {
	conn *websocket.Conn
}

// Connect dials the control endpoint and performs the handshake.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	conn, _, err := c.dialer.DialContext(ctx, wsBase(c.baseURL)+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(c.key)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send master key: %w", err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read handshake reply: %w", err)
	}
	switch string(reply) {
	case authSuccess:
	case authFailure:
		conn.Close()
		return nil, ErrInvalidKey
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply: %q", reply)
	}

	conn.SetWriteDeadline(time.Time{})
	conn.SetReadDeadline(time.Time{})
	return &Session{conn: conn}, nil
}

// Close sends a close frame and closes the connection.
func (s *Session) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// Do sends cmd and waits for its response, skipping telemetry frames.
func (s *Session) Do(ctx context.Context, cmd models.Command) (*models.Response, error) {
	frame, err := models.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if !models.IsResponseFrame(data) {
			continue
		}

		var resp models.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &resp, nil
	}
}

// Watch calls fn for every telemetry frame until ctx is done, fn returns
// an error or the connection closes.
func (s *Session) Watch(ctx context.Context, fn func(models.TelemetrySample) error) error {
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if models.IsResponseFrame(data) {
			continue
		}

		var sample models.TelemetrySample
		if err := json.Unmarshal(data, &sample); err != nil {
			return fmt.Errorf("failed to decode telemetry: %w", err)
		}
		if err := fn(sample); err != nil {
			return err
		}
	}
}

// Run connects, executes one command and disconnects. A failed command is
// returned as a *ResponseError.
func (c *Client) Run(ctx context.Context, cmd models.Command) (*models.Response, error) {
	session, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	resp, err := session.Do(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return resp, &ResponseError{Response: *resp}
	}
	return resp, nil
}

// ResponseError is a command the server answered with ok=false.
type ResponseError struct {
	Response models.Response
}

func (e *ResponseError) Error() string {
	if e.Response.Error == nil {
		return fmt.Sprintf("%s failed", e.Response.Command)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Response.Command, e.Response.Error.Kind, e.Response.Error.Message)
}

// ListOperationsResponse is the response from the history endpoint
type ListOperationsResponse struct {
	Operations []models.Operation `json:"operations"`
}

// ListOperations lists recorded operations, newest first
func (c *Client) ListOperations(ctx context.Context, appID string, limit int) (*ListOperationsResponse, error) {
	u, err := url.Parse(c.joinURL("api/v1/history"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	if appID != "" {
		q.Set("app", appID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.key)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var listResp ListOperationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &listResp, nil
}
