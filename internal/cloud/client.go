package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Mschirtzinger/studytrack/internal/types"
)

// maxFrameSize bounds one websocket frame. Snapshots carry inline images.
const maxFrameSize = 32 << 20

// ClientConfig holds client configuration.
type ClientConfig struct {
	// BaseURL of the service, e.g. http://localhost:8080
	BaseURL string

	// Timeout per HTTP request (default: 15s)
	Timeout time.Duration

	// Retry policy for pull and push
	Retry RetryConfig

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// Client performs collection RPCs against a Server.
type Client struct {
	baseURL string
	hc      *http.Client
	retry   RetryConfig
	logger  *log.Logger

	mu      sync.RWMutex
	session Session
}

// collectionBody is the request and response body of collection calls.
type collectionBody struct {
	Records []types.Record `json:"records"`
}

// errorBody is written by the server for every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
}

// NewClient builds a client.
func NewClient(cfg ClientConfig) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[cloud] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		hc:      &http.Client{Timeout: to},
		retry:   cfg.Retry,
		logger:  cfg.Logger,
	}
}

// SetSession implements Authenticator.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.session.Valid() {
		return "", ErrNoSession
	}
	return c.session.Token, nil
}

// AnonymousSession implements Identity.
func (c *Client) AnonymousSession(ctx context.Context) (Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/v1/auth/anonymous", "", nil, &s); err != nil {
		return Session{}, &OpError{Op: "auth", Err: err}
	}
	if !s.Valid() {
		return Session{}, &OpError{Op: "auth", Err: fmt.Errorf("%w: empty session", ErrServerError)}
	}
	return s, nil
}

// Pull implements Store.
func (c *Client) Pull(ctx context.Context, collection string) ([]types.Record, error) {
	tok, err := c.token()
	if err != nil {
		return nil, &OpError{Op: "pull", Collection: collection, Err: err}
	}

	recs, err := withRetry(ctx, c.retry, func() ([]types.Record, error) {
		var body collectionBody
		if err := c.do(ctx, http.MethodGet, collectionPath(collection), tok, nil, &body); err != nil {
			return nil, err
		}
		return body.Records, nil
	})
	if err != nil {
		return nil, &OpError{Op: "pull", Collection: collection, Err: err}
	}
	for i := range recs {
		recs[i].Collection = collection
	}
	return recs, nil
}

// Push implements Store.
func (c *Client) Push(ctx context.Context, collection string, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tok, err := c.token()
	if err != nil {
		return &OpError{Op: "push", Collection: collection, Err: err}
	}

	_, err = withRetry(ctx, c.retry, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodPut, collectionPath(collection), tok, collectionBody{Records: recs}, nil)
	})
	if err != nil {
		return &OpError{Op: "push", Collection: collection, Err: err}
	}
	return nil
}

// Subscribe implements Subscriber over a websocket. The snapshot frame is
// read before Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, collection string) (<-chan Change, error) {
	tok, err := c.token()
	if err != nil {
		return nil, &OpError{Op: "subscribe", Collection: collection, Err: err}
	}

	// Setup is bounded by the request timeout; the feed itself lives as
	// long as ctx.
	setupCtx, cancel := context.WithTimeout(ctx, c.hc.Timeout)
	defer cancel()

	wsURL := c.baseURL + collectionPath(collection) + "/watch"
	conn, resp, err := websocket.Dial(setupCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + tok}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &OpError{Op: "subscribe", Collection: collection, Err: statusError(resp.StatusCode, "")}
		}
		return nil, &OpError{Op: "subscribe", Collection: collection, Err: fmt.Errorf("%w: %v", ErrNetworkFailure, err)}
	}
	conn.SetReadLimit(maxFrameSize)

	first, err := readChange(setupCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "bad snapshot")
		return nil, &OpError{Op: "subscribe", Collection: collection, Err: err}
	}

	ch := make(chan Change, 16)
	ch <- first
	go c.readLoop(ctx, conn, collection, ch)
	return ch, nil
}

// readLoop forwards change frames until the connection drops or ctx ends.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, collection string, ch chan<- Change) {
	defer close(ch)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		change, err := readChange(ctx, conn)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Printf("Feed for %s dropped: %v", collection, err)
			}
			return
		}
		select {
		case ch <- change:
		case <-ctx.Done():
			return
		}
	}
}

func readChange(ctx context.Context, conn *websocket.Conn) (Change, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	var change Change
	if err := json.Unmarshal(data, &change); err != nil {
		return Change{}, fmt.Errorf("%w: invalid frame: %v", ErrServerError, err)
	}
	for i := range change.Records {
		change.Records[i].Collection = change.Collection
	}
	return change, nil
}

func collectionPath(collection string) string {
	return "/v1/collections/" + url.PathEscape(collection)
}

// do sends one JSON request. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)
		return statusError(resp.StatusCode, eb.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response: %v", ErrServerError, err)
	}
	return nil
}
