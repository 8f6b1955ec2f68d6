// Package persist talks to the external market API that stores a finished
// placement. Responses are validated into the tagged results Ok and Err
// before anything else sees them.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/menta2k/bushub/pkg/types"
)

// HTTPClient is the subset of *http.Client the client needs
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the persistence client configuration
type Config struct {
	BaseURL string
	Path    string
	Timeout time.Duration
}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3000",
		Path:    "/api/markets",
		Timeout: 30 * time.Second,
	}
}

// Request is the body of a save call
type Request struct {
	Name           string `json:"name"`
	Municipality   string `json:"municipality"`
	SlotEditorData any    `json:"slotEditorData"`
}

// Result is either Ok or Err
type Result interface {
	isResult()
}

// Ok is a successful save
type Ok struct {
	MarketID string
}

// Err is a save the server refused. Message is shown to the operator verbatim.
type Err struct {
	Message string
}

func (Ok) isResult()  {}
func (Err) isResult() {}

// AsError turns an Err into a *types.ServerError and an Ok into nil
func AsError(r Result) error {
	if e, ok := r.(Err); ok {
		return &types.ServerError{Message: e.Message}
	}
	return nil
}

// Client calls the market API. It never retries.
type Client struct {
	config Config
	http   HTTPClient
	logger *slog.Logger
}

// New creates a Client. httpClient may be nil.
func New(config Config, httpClient HTTPClient, logger *slog.Logger) *Client {
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, http: httpClient, logger: logger.With("component", "persist")}
}

type response struct {
	Success *bool           `json:"success"`
	Data    *responseData   `json:"data"`
	Error   json.RawMessage `json:"error"`
}

type responseData struct {
	MarketID json.RawMessage `json:"marketId"`
}

// Save posts req. A transport failure or an unreadable reply is returned as
// an error wrapping types.ErrNetwork; a refusal by the server is an Err.
func (c *Client) Save(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + c.config.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", types.ErrNetwork, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Error("save request failed", "url", url, "error", err)
		return nil, fmt.Errorf("%w: %v", types.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", types.ErrNetwork, err)
	}
	c.logger.Debug("save response", "status", resp.StatusCode, "duration", time.Since(start), "bytes", len(raw))

	result, err := parseResponse(raw)
	if err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: server returned %s", types.ErrNetwork, resp.Status)
		}
		c.logger.Error("unreadable save response", "status", resp.StatusCode, "body", truncate(string(raw), 200))
		return nil, err
	}
	if _, ok := result.(Ok); ok && resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: server returned %s", types.ErrNetwork, resp.Status)
	}
	return result, nil
}

func parseResponse(raw []byte) (Result, error) {
	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", types.ErrNetwork, err)
	}
	if r.Success == nil {
		return nil, fmt.Errorf("%w: response has no success flag", types.ErrNetwork)
	}

	if !*r.Success {
		msg := errorMessage(r.Error)
		if msg == "" {
			msg = "save failed"
		}
		return Err{Message: msg}, nil
	}

	if r.Data == nil {
		return nil, fmt.Errorf("%w: response has no data", types.ErrNetwork)
	}
	id, err := marketID(r.Data.MarketID)
	if err != nil {
		return nil, err
	}
	return Ok{MarketID: id}, nil
}

// marketID accepts a JSON number or a non-empty string
func marketID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: response has no marketId", types.ErrNetwork)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
		return "", fmt.Errorf("%w: empty marketId", types.ErrNetwork)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: marketId %s is neither number nor string", types.ErrNetwork, raw)
}

// errorMessage extracts the server's message. error may be a string or an
// object with a message field.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
