package uc2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// Default client settings.
const (
	DefaultPort    = 8001
	DefaultTimeout = 60 * time.Second
	// IlluminationSource is the laser channel driving the LED.
	IlluminationSource = "LED"
)

// ClientConfig holds the ImSwitch server address.
type ClientConfig struct {
	IP    string
	Port  int
	HTTPS bool
	// Timeout bounds each request (default: 60s). Blocking stage moves can
	// take a while.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to one ImSwitch server.
type Client struct {
	http    *http.Client
	baseURL string
}

// APIError is a non-2xx response from ImSwitch.
type APIError struct {
	Path string
	Code int
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("imswitch %s: status %d: %s", e.Path, e.Code, e.Body)
}

// Positions maps positioner name to axis positions.
type Positions map[string]map[string]float64

// First returns the axes of the named positioner, or of the first positioner
// by name when name is empty.
func (p Positions) First(name string) (map[string]float64, error) {
	if name != "" {
		axes, ok := p[name]
		if !ok {
			return nil, fmt.Errorf("positioner %q not found", name)
		}
		return axes, nil
	}
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no positioners reported")
	}
	sort.Strings(names)
	return p[names[0]], nil
}

// NewClient builds a client for the server at cfg.IP.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.IP == "" {
		return nil, fmt.Errorf("uc2 ip is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	return &Client{http: hc, baseURL: scheme + "://" + cfg.IP + ":" + strconv.Itoa(cfg.Port)}, nil
}

// HomeAxis homes one axis and waits for it to finish.
func (c *Client) HomeAxis(ctx context.Context, positioner, axis string) error {
	q := url.Values{}
	if positioner != "" {
		q.Set("positionerName", positioner)
	}
	q.Set("axis", axis)
	q.Set("isBlocking", "true")
	return c.get(ctx, "/PositionerController/homeAxis", q, nil)
}

// MovePositioner moves one axis and waits for it to finish.
func (c *Client) MovePositioner(ctx context.Context, positioner, axis string, position float64, absolute bool) error {
	q := url.Values{}
	if positioner != "" {
		q.Set("positionerName", positioner)
	}
	q.Set("axis", axis)
	q.Set("dist", formatFloat(position))
	q.Set("isAbsolute", strconv.FormatBool(absolute))
	q.Set("isBlocking", "true")
	return c.get(ctx, "/PositionerController/movePositioner", q, nil)
}

// PositionerPositions reports the current position of every positioner.
func (c *Client) PositionerPositions(ctx context.Context) (Positions, error) {
	var out Positions
	if err := c.get(ctx, "/PositionerController/getPositionerPositions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetLaserActive switches a laser channel on or off.
func (c *Client) SetLaserActive(ctx context.Context, laser string, active bool) error {
	q := url.Values{"laserName": {laser}, "active": {strconv.FormatBool(active)}}
	return c.get(ctx, "/LaserController/setLaserActive", q, nil)
}

// SetLaserValue sets a laser channel's intensity.
func (c *Client) SetLaserValue(ctx context.Context, laser string, value float64) error {
	q := url.Values{"laserName": {laser}, "value": {formatFloat(value)}}
	return c.get(ctx, "/LaserController/setLaserValue", q, nil)
}

// TileScan describes a tile-based histo scan.
type TileScan struct {
	NumberTilesX int
	NumberTilesY int
	StepSizeX    float64
	StepSizeY    float64
	InitPosX     float64
	InitPosY     float64
	NTimes       int
	TPeriod      float64
}

// StartTileScan starts a tile-based scan. It returns once the scan starts.
func (c *Client) StartTileScan(ctx context.Context, s TileScan) error {
	q := url.Values{}
	q.Set("numberTilesX", strconv.Itoa(s.NumberTilesX))
	q.Set("numberTilesY", strconv.Itoa(s.NumberTilesY))
	q.Set("stepSizeX", formatFloat(s.StepSizeX))
	q.Set("stepSizeY", formatFloat(s.StepSizeY))
	q.Set("initPosX", formatFloat(s.InitPosX))
	q.Set("initPosY", formatFloat(s.InitPosY))
	q.Set("nTimes", strconv.Itoa(s.NTimes))
	q.Set("tPeriod", formatFloat(s.TPeriod))
	return c.get(ctx, "/HistoScanController/startHistoScanTileBasedByParameters", q, nil)
}

// StartPositionListScan starts a scan over explicit stage positions.
func (c *Client) StartPositionListScan(ctx context.Context, positions []Position, nTimes int, tPeriod float64) error {
	body, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	q := url.Values{"nTimes": {strconv.Itoa(nTimes)}, "tPeriod": {formatFloat(tPeriod)}}
	return c.do(ctx, http.MethodPost, "/HistoScanController/startStageScanningPositionlistbased", q, bytes.NewReader(body), nil)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, out any) error {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("imswitch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("imswitch %s: decode response: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
