package ot2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Default client settings.
const (
	DefaultPort       = 31950
	DefaultAPIVersion = "3"
	DefaultTimeout    = 30 * time.Second
)

// Run statuses reported by the robot.
const (
	RunIdle      = "idle"
	RunRunning   = "running"
	RunPaused    = "paused"
	RunFinishing = "finishing"
	RunStopped   = "stopped"
	RunFailed    = "failed"
	RunSucceeded = "succeeded"
)

// ClientConfig holds the robot address.
type ClientConfig struct {
	IP   string
	Port int
	// APIVersion is sent as the Opentrons-Version header (default: 3).
	APIVersion string
	// Timeout bounds each HTTP request (default: 30s).
	Timeout time.Duration
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to one robot.
type Client struct {
	http       *http.Client
	baseURL    string
	apiVersion string
}

// Run is the subset of a run resource the node cares about.
type Run struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	ProtocolID string          `json:"protocolId,omitempty"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

// Terminal reports whether the run can no longer change status.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// APIError is a non-2xx response from the robot.
type APIError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ot2 %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type resource struct {
	ID string `json:"id"`
}

// NewClient builds a client for the robot at cfg.IP.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.IP == "" {
		return nil, fmt.Errorf("ot2 ip is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		http:       hc,
		baseURL:    "http://" + cfg.IP + ":" + strconv.Itoa(cfg.Port),
		apiVersion: cfg.APIVersion,
	}, nil
}

// NewClientForURL builds a client for an explicit base URL.
func NewClientForURL(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{http: hc, baseURL: baseURL, apiVersion: DefaultAPIVersion}
}

// Health probes the robot.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

// UploadProtocol transfers a protocol script and returns its protocol id.
func (c *Client) UploadProtocol(ctx context.Context, path string) (string, error) {
	// #nosec G304 -- path is an artifact written by the node.
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open protocol: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy protocol: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	var out envelope[resource]
	if err := c.do(ctx, http.MethodPost, "/protocols", &body, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("ot2 POST /protocols: response has no protocol id")
	}
	return out.Data.ID, nil
}

// CreateRun creates a run of an uploaded protocol and returns the run id.
func (c *Client) CreateRun(ctx context.Context, protocolID string) (string, error) {
	payload, err := json.Marshal(envelope[map[string]string]{Data: map[string]string{"protocolId": protocolID}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var out envelope[resource]
	if err := c.do(ctx, http.MethodPost, "/runs", bytes.NewReader(payload), "application/json", &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("ot2 POST /runs: response has no run id")
	}
	return out.Data.ID, nil
}

// Play starts (or resumes) a run.
func (c *Client) Play(ctx context.Context, runID string) error {
	payload, err := json.Marshal(envelope[map[string]string]{Data: map[string]string{"actionType": "play"}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/runs/"+runID+"/actions", bytes.NewReader(payload), "application/json", nil)
}

// GetRun fetches the current state of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var out envelope[Run]
	if err := c.do(ctx, http.MethodGet, "/runs/"+runID, nil, "", &out); err != nil {
		return Run{}, err
	}
	return out.Data, nil
}

// RunLog returns the raw command list of a run.
func (c *Client) RunLog(ctx context.Context, runID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/runs/"+runID+"/commands", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Opentrons-Version", c.apiVersion)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ot2 %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ot2 %s %s: decode response: %w", method, path, err)
	}
	return nil
}
