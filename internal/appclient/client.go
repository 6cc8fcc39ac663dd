// Package appclient is the typed HTTP client for the daemon's control
// socket, shared by the CLI and any UI collaborator.
package appclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/devserv/devserv/internal/api"
	"github.com/devserv/devserv/internal/model"
)

const (
	followScannerInitialBuffer = 64 * 1024
	followScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout        = 10 * time.Second
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	body, err := c.request(ctx, http.MethodGet, "/v1/health", nil, nil, false)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

func (c *Client) StartServer(ctx context.Context, req api.StartServerRequest) (api.ServerEnvelope, error) {
	var out api.ServerEnvelope
	body, err := c.request(ctx, http.MethodPost, "/v1/servers", nil, req, false)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

func (c *Client) ListServers(ctx context.Context) (api.ServersEnvelope, error) {
	var out api.ServersEnvelope
	body, err := c.request(ctx, http.MethodGet, "/v1/servers", nil, nil, false)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

func (c *Client) GetServer(ctx context.Context, path string) (api.ServerEnvelope, error) {
	var out api.ServerEnvelope
	body, err := c.request(ctx, http.MethodGet, "/v1/servers/"+model.EncodeID(path), nil, nil, false)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

func (c *Client) StopServer(ctx context.Context, path string) error {
	_, err := c.request(ctx, http.MethodDelete, "/v1/servers/"+model.EncodeID(path), nil, nil, false)
	return err
}

func (c *Client) Logs(ctx context.Context, path string, tail int) (api.LogsEnvelope, error) {
	var out api.LogsEnvelope
	query := url.Values{}
	if tail > 0 {
		query.Set("tail", fmt.Sprintf("%d", tail))
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/servers/"+model.EncodeID(path)+"/logs", query, nil, false)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

// FollowLogs streams log lines until ctx is cancelled, the daemon closes the
// stream, or onLine returns an error.
func (c *Client) FollowLogs(ctx context.Context, path string, tail int, onLine func(api.LogEntry) error) error {
	query := url.Values{}
	query.Set("follow", "true")
	if tail > 0 {
		query.Set("tail", fmt.Sprintf("%d", tail))
	}
	u := c.baseURL + "/v1/servers/" + model.EncodeID(path) + "/logs?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return &RequestError{StatusCode: resp.StatusCode, Code: er.Error.Code, Message: er.Error.Message}
		}
		return &RequestError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, followScannerInitialBuffer), followScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry api.LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("decode log line: %w", err)
		}
		if err := onLine(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) EnableProxy(ctx context.Context, path string) (api.ProxyEnvelope, error) {
	var out api.ProxyEnvelope
	body, err := c.request(ctx, http.MethodPost, "/v1/proxy/"+model.EncodeID(path), nil, nil, false)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

func (c *Client) DisableProxy(ctx context.Context, path string) error {
	_, err := c.request(ctx, http.MethodDelete, "/v1/proxy/"+model.EncodeID(path), nil, nil, false)
	return err
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
