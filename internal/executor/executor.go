package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/metrics"
	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/progress"
)

const (
	defaultHistoryTimeout = 5 * time.Second
	tracerName            = "github.com/JakeFAU/labnodes/internal/executor"
)

// Config controls admission and bookkeeping.
type Config struct {
	// Node is the alias reported on events, metrics and history records.
	Node string
	// AdmissionTimeout bounds how long a caller waits for the execution slot.
	// Zero waits until the caller's context is done.
	AdmissionTimeout time.Duration
	// HistoryTimeout bounds each history write. Defaults to 5s.
	HistoryTimeout time.Duration
}

// Deps are the collaborators of an Executor. History and Emitter are
// optional.
type Deps struct {
	Device  node.Device
	History node.HistoryStore
	Emitter progress.Emitter
	Clock   node.Clock
	IDs     node.IDGenerator
	Logger  *zap.Logger
}

// Outcome is what a Submit call produced.
type Outcome struct {
	ActionID string
	Result   node.Result
	// Kind classifies failures; empty on success.
	Kind node.Kind
	// Admitted is false when the action never reached the device.
	Admitted bool
}

// Executor is the single-flight status state machine for one device.
type Executor struct {
	cfg     Config
	device  node.Device
	history node.HistoryStore
	emitter progress.Emitter
	clock   node.Clock
	ids     node.IDGenerator
	logger  *zap.Logger
	tracer  trace.Tracer

	slot   chan struct{}
	status atomic.Value
}

// New builds an Executor in status UNKNOWN. Call Connect before serving.
func New(cfg Config, deps Deps) (*Executor, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("node alias is required")
	}
	if deps.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.AdmissionTimeout < 0 {
		return nil, fmt.Errorf("admission timeout must be >= 0")
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = defaultHistoryTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = progress.Nop{}
	}
	e := &Executor{
		cfg:     cfg,
		device:  deps.Device,
		history: deps.History,
		emitter: emitter,
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		slot:    make(chan struct{}, 1),
	}
	e.status.Store(node.StatusUnknown)
	metrics.SetStatus(cfg.Node, string(node.StatusUnknown))
	return e, nil
}

// Status returns the current status without blocking.
func (e *Executor) Status() node.Status {
	return e.status.Load().(node.Status)
}

// Connect probes the device and moves UNKNOWN or ERROR to IDLE on success and
// to ERROR on failure. It is a no-op once the node is IDLE.
func (e *Executor) Connect(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if e.Status() == node.StatusIdle {
		return nil
	}
	return e.connectLocked(ctx)
}

// Submit runs one action. It waits for the execution slot, reconnects a
// failed device, dispatches to the device and settles the status. Failures of
// any kind are reported in the returned Outcome, never as a panic or error.
func (e *Executor) Submit(ctx context.Context, req node.ActionRequest) Outcome {
	started := e.clock.Now()
	id, err := e.ids.NewID()
	if err != nil {
		id = fmt.Sprintf("action-%d", started.UnixNano())
		e.logger.Warn("action id generation failed", zap.Error(err))
	}
	req.ID = id
	if req.Vars == nil {
		req.Vars = node.Vars{}
	}
	logger := e.logger.With(zap.String("action_id", id), zap.String("handle", req.Handle))

	waitStart := time.Now()
	if err := e.acquire(ctx); err != nil {
		return e.reject(ctx, logger, req, started, err)
	}
	metrics.ObserveAdmissionWait(e.cfg.Node, time.Since(waitStart))

	if st := e.Status(); st == node.StatusError || st == node.StatusUnknown {
		logger.Info("reconnecting before admission", zap.String("status", string(st)))
		if err := e.connectLocked(ctx); err != nil {
			e.release()
			msg := fmt.Sprintf("cannot accept the action: %s connection error: %v", e.cfg.Node, err)
			return e.reject(ctx, logger, req, started, node.NewError(node.KindConnection, msg, nil))
		}
	}

	e.fire(ctx, EventAdmit)
	logger.Info("action admitted")
	e.emit(ctx, progress.Event{ActionID: id, Stage: progress.StageActionStart, Handle: req.Handle})

	// Admitted actions run to completion even if the caller goes away.
	execCtx, span := e.tracer.Start(context.WithoutCancel(ctx), "action "+req.Handle,
		trace.WithAttributes(
			attribute.String("labnode.node", e.cfg.Node),
			attribute.String("labnode.action_id", id),
		))
	res, execErr := e.settle(execCtx, logger, req)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
	}

	out := Outcome{ActionID: id, Result: res, Admitted: true}
	if execErr != nil {
		out.Kind = node.KindOf(execErr)
		out.Result.Status = node.StepFailed
		out.Result.Message = execErr.Error()
	} else if out.Result.Status != node.StepSucceeded {
		out.Result.Status = node.StepFailed
		out.Kind = node.KindDeviceFailure
	}
	dur := e.clock.Now().Sub(started)

	stage := progress.StageActionDone
	if out.Result.Status != node.StepSucceeded {
		stage = progress.StageActionError
		logger.Warn("action failed",
			zap.String("kind", string(out.Kind)),
			zap.String("status", string(e.Status())),
			zap.String("msg", out.Result.Message))
	} else {
		logger.Info("action succeeded", zap.Duration("dur", dur))
	}
	e.emit(execCtx, progress.Event{
		ActionID: id,
		Stage:    stage,
		Handle:   req.Handle,
		Result:   out.Result.Status,
		Kind:     out.Kind,
		Dur:      max(dur, 0),
		Note:     truncate(out.Result.Message, 256),
	})
	span.End()
	e.record(ctx, logger, req, out, started)
	return out
}

// settle runs the device call and moves the node out of BUSY. The slot is
// released and the status settled even if the device panics; the panic is
// reported as a device failure.
func (e *Executor) settle(ctx context.Context, logger *zap.Logger, req node.ActionRequest) (res node.Result, err error) {
	defer e.release()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("device panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = node.Result{}
			err = node.NewError(node.KindDeviceFailure, fmt.Sprintf("device panic: %v", r), nil)
		}
		e.fire(ctx, outcomeEvent(res, err))
	}()
	return e.device.Execute(ctx, req)
}

func (e *Executor) reject(ctx context.Context, logger *zap.Logger, req node.ActionRequest, started time.Time, err error) Outcome {
	kind := node.KindOf(err)
	metrics.ObserveRejection(e.cfg.Node, string(kind))
	logger.Warn("action rejected", zap.String("kind", string(kind)), zap.String("status", string(e.Status())), zap.Error(err))
	out := Outcome{ActionID: req.ID, Result: node.Failed(err.Error()), Kind: kind}
	e.record(ctx, logger, req, out, started)
	return out
}

func (e *Executor) record(ctx context.Context, logger *zap.Logger, req node.ActionRequest, out Outcome, started time.Time) {
	if e.history == nil {
		return
	}
	rec := node.ActionRecord{
		ID:           out.ActionID,
		Node:         e.cfg.Node,
		Handle:       req.Handle,
		Vars:         req.Vars.Raw(),
		Status:       out.Result.Status,
		Message:      out.Result.Message,
		ErrorKind:    out.Kind,
		ProtocolHash: out.Result.ProtocolHash,
		LogPath:      out.Result.Path,
		StartedAt:    started,
		FinishedAt:   e.clock.Now(),
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.HistoryTimeout)
	defer cancel()
	if err := e.history.RecordAction(hctx, rec); err != nil {
		logger.Warn("history write failed", zap.Error(err))
	}
}

func (e *Executor) connectLocked(ctx context.Context) error {
	err := e.device.Connect(ctx)
	metrics.ObserveConnect(e.cfg.Node, err == nil)
	if err != nil {
		e.fire(ctx, EventConnectFailed)
		e.logger.Error("device connect failed", zap.Error(err))
		return err
	}
	e.fire(ctx, EventConnectOK)
	e.logger.Info("device online")
	return nil
}

// acquire takes the execution slot, waiting at most AdmissionTimeout.
func (e *Executor) acquire(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	default:
	}
	var timeout <-chan time.Time
	if e.cfg.AdmissionTimeout > 0 {
		t := time.NewTimer(e.cfg.AdmissionTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-timeout:
		return node.NewError(node.KindBusyTimeout,
			fmt.Sprintf("node %s is busy: no execution slot within %s", e.cfg.Node, e.cfg.AdmissionTimeout), nil)
	case <-ctx.Done():
		return node.NewError(node.KindBusyTimeout, "request cancelled while waiting for the execution slot", ctx.Err())
	}
}

func (e *Executor) release() {
	<-e.slot
}

// fire applies ev to the current status. Only the slot holder calls fire, so
// the load and store cannot interleave with another transition.
func (e *Executor) fire(ctx context.Context, ev Event) node.Status {
	from := e.Status()
	to, ok := Next(from, ev)
	if !ok {
		e.logger.Error("illegal status transition", zap.String("from", string(from)), zap.String("event", string(ev)))
		return from
	}
	e.status.Store(to)
	metrics.SetStatus(e.cfg.Node, string(to))
	if from != to {
		e.logger.Debug("status changed", zap.String("from", string(from)), zap.String("to", string(to)), zap.String("event", string(ev)))
		e.emit(ctx, progress.Event{Stage: progress.StageStatusChange, From: from, To: to, Note: string(ev)})
	}
	return to
}

func (e *Executor) emit(ctx context.Context, evt progress.Event) {
	evt.TS = e.clock.Now()
	evt.Node = e.cfg.Node
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		evt.Trace = carrier
	}
	e.emitter.Emit(evt)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
