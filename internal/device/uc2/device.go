package uc2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/node"
)

// Action handles.
const (
	ActionHome         = "home"
	ActionMove         = "move"
	ActionIllumination = "illumination"
	ActionScan         = "scan"
	ActionScanPoslist  = "scan_poslist"
)

var actionNames = []string{ActionHome, ActionMove, ActionIllumination, ActionScan, ActionScanPoslist}

const unreachableGuidance = "No route to host error. Ensure that this node has network access " +
	"to the ImSwitch server and that the configured uc2.ip and uc2.port match it"

// Config describes one microscope node.
type Config struct {
	Alias   string
	IP      string
	Port    int
	HTTPS   bool
	Version string
	// Positioner names the stage used for scan_poslist; empty picks the
	// first one ImSwitch reports.
	Positioner string
	// LegacyYStep makes scan_poslist step Y by distX.
	LegacyYStep bool
}

// Deps are the optional collaborators of a Device.
type Deps struct {
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Device is the UC2 implementation of node.Device.
type Device struct {
	cfg    Config
	logger *zap.Logger
	hc     *http.Client

	// client is replaced on every Connect; the executor serializes Connect
	// and Execute.
	client *Client
}

var _ node.Device = (*Device)(nil)

type handler func(ctx context.Context, vars node.Vars) (string, error)

// New builds a Device. It does not contact the microscope.
func New(cfg Config, deps Deps) (*Device, error) {
	if cfg.IP == "" {
		return nil, errors.New("uc2 ip is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{cfg: cfg, logger: logger, hc: deps.HTTPClient}, nil
}

// Connect implements node.Device.
func (d *Device) Connect(ctx context.Context) error {
	client, err := NewClient(ClientConfig{IP: d.cfg.IP, Port: d.cfg.Port, HTTPS: d.cfg.HTTPS, HTTPClient: d.hc})
	if err != nil {
		return err
	}
	if _, err := client.PositionerPositions(ctx); err != nil {
		return d.classify(fmt.Errorf("connect to uc2 at %s:%d: %w", d.cfg.IP, d.cfg.Port, err))
	}
	d.client = client
	d.logger.Info("uc2 online", zap.String("ip", d.cfg.IP), zap.Int("port", d.cfg.Port))
	return nil
}

// Execute implements node.Device.
func (d *Device) Execute(ctx context.Context, req node.ActionRequest) (node.Result, error) {
	h, ok := d.handlers()[req.Handle]
	if !ok {
		return node.Result{}, node.NewError(node.KindUnknownAction,
			"UNKNOWN ACTION REQUEST! Available actions: "+strings.Join(actionNames, ", "), nil)
	}
	if d.client == nil {
		return node.Result{}, node.NewError(node.KindConnection, "uc2 is not connected", nil)
	}
	msg, err := h(ctx, req.Vars)
	if err != nil {
		return node.Result{}, d.classify(err)
	}
	return node.Succeeded(msg), nil
}

func (d *Device) handlers() map[string]handler {
	return map[string]handler{
		ActionHome:         d.home,
		ActionMove:         d.move,
		ActionIllumination: d.illumination,
		ActionScan:         d.scan,
		ActionScanPoslist:  d.scanPoslist,
	}
}

func (d *Device) home(ctx context.Context, vars node.Vars) (string, error) {
	axis, err := vars.String("axis", "X")
	if err != nil {
		return "", err
	}
	if err := d.client.HomeAxis(ctx, "", axis); err != nil {
		return "", err
	}
	return "Successfully homed the axis", nil
}

func (d *Device) move(ctx context.Context, vars node.Vars) (string, error) {
	axis, err := vars.String("axis", "X")
	if err != nil {
		return "", err
	}
	position, err := vars.Float("position", 0)
	if err != nil {
		return "", err
	}
	absolute, err := vars.Bool("is_absolute", true)
	if err != nil {
		return "", err
	}
	if err := d.client.MovePositioner(ctx, "", axis, position, absolute); err != nil {
		return "", err
	}
	return "Successfully moved the axis", nil
}

func (d *Device) illumination(ctx context.Context, vars node.Vars) (string, error) {
	intensity, err := vars.Float("intensity", 0)
	if err != nil {
		return "", err
	}
	if err := d.client.SetLaserActive(ctx, IlluminationSource, true); err != nil {
		return "", err
	}
	if err := d.client.SetLaserValue(ctx, IlluminationSource, intensity); err != nil {
		return "", err
	}
	return "Successfully set the illumination", nil
}

func (d *Device) scan(ctx context.Context, vars node.Vars) (string, error) {
	var (
		s   TileScan
		err error
	)
	ints := []struct {
		key string
		dst *int
	}{
		{"numberTilesX", &s.NumberTilesX},
		{"numberTilesY", &s.NumberTilesY},
		{"nTimes", &s.NTimes},
	}
	for _, f := range ints {
		if *f.dst, err = vars.Int(f.key, 1); err != nil {
			return "", err
		}
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"stepSizeX", &s.StepSizeX},
		{"stepSizeY", &s.StepSizeY},
		{"initPosX", &s.InitPosX},
		{"initPosY", &s.InitPosY},
		{"tPeriod", &s.TPeriod},
	}
	for _, f := range floats {
		if *f.dst, err = vars.Float(f.key, 1); err != nil {
			return "", err
		}
	}
	if err := d.client.StartTileScan(ctx, s); err != nil {
		return "", err
	}
	return "Successfully started the scan", nil
}

func (d *Device) scanPoslist(ctx context.Context, vars node.Vars) (string, error) {
	g := Grid{LegacyYStep: d.cfg.LegacyYStep}
	var err error
	if g.NX, err = vars.Int("nX", 1); err != nil {
		return "", err
	}
	if g.NY, err = vars.Int("nY", 1); err != nil {
		return "", err
	}
	if g.NX < 1 || g.NY < 1 {
		return "", node.NewError(node.KindMalformedInput, "nX and nY must be at least 1", nil)
	}
	if g.NX > MaxGridPoints/g.NY {
		return "", node.NewError(node.KindMalformedInput,
			fmt.Sprintf("nX*nY must not exceed %d positions", MaxGridPoints), nil)
	}
	if g.DistX, err = vars.Float("distX", 1); err != nil {
		return "", err
	}
	if g.DistY, err = vars.Float("distY", 1); err != nil {
		return "", err
	}

	positions, err := d.client.PositionerPositions(ctx)
	if err != nil {
		return "", err
	}
	axes, err := positions.First(d.cfg.Positioner)
	if err != nil {
		return "", err
	}
	g.OriginX, g.OriginY = axes["X"], axes["Y"]

	if err := d.client.StartPositionListScan(ctx, g.Positions(), 1, 1); err != nil {
		return "", err
	}
	d.logger.Debug("position list scan started",
		zap.Int("points", g.NX*g.NY), zap.Float64("origin_x", g.OriginX), zap.Float64("origin_y", g.OriginY))
	return "Successfully started the scan", nil
}

func (d *Device) classify(err error) error {
	if node.IsUnreachable(err) {
		return node.NewError(node.KindConnection, unreachableGuidance, err)
	}
	return err
}
