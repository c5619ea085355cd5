package ot2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/protocol"
	"github.com/JakeFAU/labnodes/internal/workdir"
)

// Action handles and variables.
const (
	ActionRunProtocol = "run_protocol"

	FileProtocol            = "protocol"
	VarProtocolFormat       = "protocol_format"
	VarResourcePath         = "resource_path"
	VarUseExistingResources = "use_existing_resources"
)

const unreachableGuidance = "No route to host error. Ensure that this node has network access " +
	"to the robot and that the configured ot2.ip matches the ip of the connected robot on the shared LAN"

// Artifacts persists the files a run produces.
type Artifacts interface {
	Path(kind string) string
	SaveProtocol(ctx context.Context, format protocol.Format, data []byte) (string, error)
	ImportSnapshot(ctx context.Context, src string) (string, error)
	LatestSnapshot() (string, bool, error)
	SaveRunLog(ctx context.Context, runID string, log json.RawMessage) (string, error)
}

// Config describes one robot node.
type Config struct {
	Alias        string
	IP           string
	Port         int
	Version      string
	PollInterval time.Duration
}

// Deps are the collaborators of a Device. Compiler may be nil, in which case
// YAML protocols are rejected.
type Deps struct {
	Artifacts  Artifacts
	Compiler   Compiler
	Hasher     node.Hasher
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Device is the OT-2 implementation of node.Device.
type Device struct {
	cfg       Config
	artifacts Artifacts
	compiler  Compiler
	hasher    node.Hasher
	logger    *zap.Logger
	hc        *http.Client

	// client is replaced on every Connect; the executor serializes Connect
	// and Execute.
	client *Client
}

var _ node.Device = (*Device)(nil)

// New builds a Device. It does not contact the robot.
func New(cfg Config, deps Deps) (*Device, error) {
	if cfg.IP == "" {
		return nil, errors.New("ot2 ip is required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("artifacts store is required")
	}
	if deps.Hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Device{
		cfg:       cfg,
		artifacts: deps.Artifacts,
		compiler:  deps.Compiler,
		hasher:    deps.Hasher,
		logger:    logger,
		hc:        deps.HTTPClient,
	}, nil
}

// Connect implements node.Device.
func (d *Device) Connect(ctx context.Context) error {
	client, err := NewClient(ClientConfig{IP: d.cfg.IP, Port: d.cfg.Port, HTTPClient: d.hc})
	if err != nil {
		return err
	}
	if err := client.Health(ctx); err != nil {
		return d.classify(fmt.Errorf("connect to ot2 at %s: %w", d.cfg.IP, err))
	}
	d.client = client
	d.logger.Info("ot2 online", zap.String("ip", d.cfg.IP), zap.Int("port", d.cfg.Port))
	return nil
}

// About implements node.Device.
func (d *Device) About() node.About {
	return node.About{
		Name:        d.cfg.Alias,
		Model:       "Opentrons OT2",
		Description: "Opentrons OT2 Liquidhandling robot",
		Interface:   node.Interface,
		Version:     d.cfg.Version,
		Actions: []node.Action{{
			Name:        ActionRunProtocol,
			Description: "Runs an Opentrons protocol (either python or YAML) on the connected OT2.",
			Args: []node.ActionArg{
				{
					Name:        VarResourcePath,
					Description: "Path on the node host of a resource file to copy into the run.",
					Type:        "[str, Path]",
				},
				{
					Name:        VarUseExistingResources,
					Description: "Whether or not to use the existing resources file (essentially, whether we've restocked or not).",
					Type:        "bool",
					Default:     false,
				},
				{
					Name:        VarProtocolFormat,
					Description: "Protocol format, python or yaml. Detected from the file when omitted.",
					Type:        "str",
				},
			},
			Files: []node.ActionFile{{
				Name:        FileProtocol,
				Required:    true,
				Description: "A protocol file to be run (either python or YAML) on the connected OT2.",
			}},
		}},
		ResourcePools: []string{},
	}
}

// Execute implements node.Device.
func (d *Device) Execute(ctx context.Context, req node.ActionRequest) (node.Result, error) {
	switch req.Handle {
	case ActionRunProtocol:
		return d.runProtocol(ctx, req)
	default:
		return node.Result{}, node.NewError(node.KindUnknownAction,
			"UNKNOWN ACTION REQUEST! Available actions: "+ActionRunProtocol, nil)
	}
}

func (d *Device) runProtocol(ctx context.Context, req node.ActionRequest) (node.Result, error) {
	if d.client == nil {
		return node.Result{}, node.NewError(node.KindConnection, "ot2 is not connected", nil)
	}
	logger := d.logger.With(zap.String("action_id", req.ID))

	file, ok := req.File(FileProtocol)
	if !ok {
		return node.Result{}, node.NewError(node.KindMalformedInput, "Required 'protocol' file was not provided", nil)
	}
	declared, err := req.Vars.String(VarProtocolFormat, "")
	if err != nil {
		return node.Result{}, err
	}
	resourcePath, err := req.Vars.String(VarResourcePath, "")
	if err != nil {
		return node.Result{}, err
	}
	useExisting, err := req.Vars.Bool(VarUseExistingResources, false)
	if err != nil {
		return node.Result{}, err
	}

	format, body, err := protocol.Materialize(file.Data, protocol.Hint{
		Declared:    declared,
		Filename:    file.Filename,
		ContentType: file.ContentType,
	})
	if err != nil {
		return node.Result{}, err
	}

	var snapshot string
	switch {
	case resourcePath != "":
		snapshot, err = d.artifacts.ImportSnapshot(ctx, resourcePath)
		if err != nil {
			return node.Result{}, err
		}
	case useExisting:
		latest, found, err := d.artifacts.LatestSnapshot()
		if err != nil {
			return node.Result{}, err
		}
		if found {
			snapshot = latest
			logger.Info("using existing resource file", zap.String("path", latest))
		}
	}

	protocolPath, err := d.artifacts.SaveProtocol(ctx, format, body)
	if err != nil {
		return node.Result{}, err
	}
	digest, err := d.hasher.Hash(body)
	if err != nil {
		return node.Result{}, fmt.Errorf("hash protocol: %w", err)
	}
	res := node.Result{ProtocolHash: digest}
	logger.Info("protocol saved", zap.String("format", string(format)), zap.String("path", protocolPath))

	script := protocolPath
	if format == protocol.FormatYAML {
		if d.compiler == nil {
			return res, node.NewError(node.KindMalformedInput, "yaml protocols need a compiler and none is configured", nil)
		}
		script, err = d.compiler.Compile(ctx, CompileRequest{
			ProtocolPath: protocolPath,
			ResourcePath: snapshot,
			OutDir:       d.artifacts.Path(workdir.KindProtocols),
			Payload:      req.Vars.Clone(),
		})
		if err != nil {
			return res, err
		}
	}

	run, err := d.transferAndRun(ctx, logger, script)
	if err != nil {
		return res, d.classify(err)
	}
	if run.Status != RunSucceeded {
		msg := fmt.Sprintf("OT2 %s failed running a protocol: run %s ended %s", d.cfg.Alias, run.ID, run.Status)
		if len(run.Errors) > 0 && string(run.Errors) != "[]" {
			msg += "\n" + string(run.Errors)
		}
		return res, node.NewError(node.KindDeviceFailure, msg, nil)
	}

	msg := fmt.Sprintf("OT2 %s successfully ran a protocol", d.cfg.Alias)
	res.Status = node.StepSucceeded
	res.Message = msg
	res.Log = msg
	// The run itself succeeded; a missing log only annotates the result.
	runLog, err := d.client.RunLog(ctx, run.ID)
	if err != nil {
		logger.Warn("fetch run log failed", zap.String("run_id", run.ID), zap.Error(err))
		res.Log += "\nrun log unavailable: " + err.Error()
		return res, nil
	}
	path, err := d.artifacts.SaveRunLog(ctx, run.ID, runLog)
	if err != nil {
		logger.Warn("save run log failed", zap.String("run_id", run.ID), zap.Error(err))
		res.Log += "\nrun log not saved: " + err.Error()
		return res, nil
	}
	res.Path = path
	return res, nil
}

func (d *Device) transferAndRun(ctx context.Context, logger *zap.Logger, script string) (Run, error) {
	protocolID, err := d.client.UploadProtocol(ctx, script)
	if err != nil {
		return Run{}, err
	}
	runID, err := d.client.CreateRun(ctx, protocolID)
	if err != nil {
		return Run{}, err
	}
	logger.Info("protocol transferred", zap.String("protocol_id", protocolID), zap.String("run_id", runID))
	if err := d.client.Play(ctx, runID); err != nil {
		return Run{}, err
	}
	return PollRun(ctx, d.client, runID, d.cfg.PollInterval, func(status string) {
		logger.Debug("run status", zap.String("run_id", runID), zap.String("status", status))
	})
}

func (d *Device) classify(err error) error {
	if node.IsUnreachable(err) {
		return node.NewError(node.KindConnection, unreachableGuidance, err)
	}
	return err
}
