package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/clock/system"
	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/progress"
	"github.com/JakeFAU/labnodes/internal/storage/memory"
)

type fakeDevice struct {
	mu         sync.Mutex
	connectErr error
	connects   int
	execute    func(ctx context.Context, req node.ActionRequest) (node.Result, error)

	running    atomic.Int32
	maxRunning atomic.Int32
	executed   atomic.Int32
}

func (d *fakeDevice) Connect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	return d.connectErr
}

func (d *fakeDevice) setConnectErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

func (d *fakeDevice) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *fakeDevice) About() node.About {
	return node.About{Name: "fake"}
}

func (d *fakeDevice) Execute(ctx context.Context, req node.ActionRequest) (node.Result, error) {
	n := d.running.Add(1)
	defer d.running.Add(-1)
	for {
		cur := d.maxRunning.Load()
		if n <= cur || d.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	d.executed.Add(1)
	if d.execute != nil {
		return d.execute(ctx, req)
	}
	return node.Succeeded("done " + req.Handle), nil
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("action-%03d", s.n.Add(1)), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type harness struct {
	exec    *Executor
	device  *fakeDevice
	history *memory.HistoryStore
	events  *recordingEmitter
}

func newHarness(t *testing.T, cfg Config, device *fakeDevice) harness {
	t.Helper()
	if cfg.Node == "" {
		cfg.Node = "test_node"
	}
	h := harness{device: device, history: memory.NewHistoryStore(0), events: &recordingEmitter{}}
	exec, err := New(cfg, Deps{
		Device:  device,
		History: h.history,
		Emitter: h.events,
		Clock:   system.New(),
		IDs:     &seqIDs{},
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	h.exec = exec
	return h
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Node: "n"}, Deps{Clock: system.New(), IDs: &seqIDs{}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Device: &fakeDevice{}, Clock: system.New(), IDs: &seqIDs{}})
	assert.Error(t, err)
	_, err = New(Config{Node: "n", AdmissionTimeout: -1}, Deps{Device: &fakeDevice{}, Clock: system.New(), IDs: &seqIDs{}})
	assert.Error(t, err)
}

func TestConnectTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &fakeDevice{})
	assert.Equal(t, node.StatusUnknown, h.exec.Status())
	require.NoError(t, h.exec.Connect(context.Background()))
	assert.Equal(t, node.StatusIdle, h.exec.Status())

	// Connecting an IDLE node does not probe again.
	require.NoError(t, h.exec.Connect(context.Background()))
	assert.Equal(t, 1, h.device.connectCount())

	failing := newHarness(t, Config{}, &fakeDevice{connectErr: errors.New("dial tcp: connection refused")})
	require.Error(t, failing.exec.Connect(context.Background()))
	assert.Equal(t, node.StatusError, failing.exec.Status())
}

func TestSubmitReconnectsBeforeAdmission(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{connectErr: errors.New("no route to host")}
	h := newHarness(t, Config{}, device)
	require.Error(t, h.exec.Connect(context.Background()))
	require.Equal(t, node.StatusError, h.exec.Status())

	out := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "home"})
	assert.False(t, out.Admitted)
	assert.Equal(t, node.KindConnection, out.Kind)
	assert.Equal(t, node.StepFailed, out.Result.Status)
	assert.Contains(t, out.Result.Message, "connection error")
	assert.Equal(t, node.StatusError, h.exec.Status())
	assert.Equal(t, 2, device.connectCount())
	assert.Zero(t, device.executed.Load())

	device.setConnectErr(nil)
	out = h.exec.Submit(context.Background(), node.ActionRequest{Handle: "home"})
	assert.True(t, out.Admitted)
	assert.Equal(t, node.StepSucceeded, out.Result.Status)
	assert.Equal(t, node.StatusIdle, h.exec.Status())
	assert.Equal(t, 3, device.connectCount())
}

func TestSubmitFromUnknownConnectsFirst(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{}
	h := newHarness(t, Config{}, device)
	out := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "home"})
	assert.True(t, out.Admitted)
	assert.Equal(t, 1, device.connectCount())
	assert.Equal(t, node.StatusIdle, h.exec.Status())
}

func TestSubmitIsSingleFlight(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{execute: func(context.Context, node.ActionRequest) (node.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return node.Succeeded("ok"), nil
	}}
	h := newHarness(t, Config{}, device)
	require.NoError(t, h.exec.Connect(context.Background()))

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.exec.Submit(context.Background(), node.ActionRequest{Handle: "move"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), device.maxRunning.Load())
	assert.Equal(t, int32(callers), device.executed.Load())
	ids := map[string]bool{}
	for _, out := range outcomes {
		assert.True(t, out.Admitted)
		assert.Equal(t, node.StepSucceeded, out.Result.Status)
		ids[out.ActionID] = true
	}
	assert.Len(t, ids, callers)
	assert.Equal(t, node.StatusIdle, h.exec.Status())
}

func TestSubmitBusyTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	device := &fakeDevice{execute: func(context.Context, node.ActionRequest) (node.Result, error) {
		close(started)
		<-release
		return node.Succeeded("ok"), nil
	}}
	h := newHarness(t, Config{AdmissionTimeout: 20 * time.Millisecond}, device)
	require.NoError(t, h.exec.Connect(context.Background()))

	done := make(chan Outcome, 1)
	go func() { done <- h.exec.Submit(context.Background(), node.ActionRequest{Handle: "scan"}) }()
	<-started
	assert.Equal(t, node.StatusBusy, h.exec.Status())

	out := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "home"})
	assert.False(t, out.Admitted)
	assert.Equal(t, node.KindBusyTimeout, out.Kind)
	assert.Equal(t, node.StepFailed, out.Result.Status)
	assert.Equal(t, node.StatusBusy, h.exec.Status())

	close(release)
	first := <-done
	assert.Equal(t, node.StepSucceeded, first.Result.Status)
	assert.Equal(t, node.StatusIdle, h.exec.Status())
}

func TestSubmitWaitHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	device := &fakeDevice{execute: func(context.Context, node.ActionRequest) (node.Result, error) {
		close(started)
		<-release
		return node.Succeeded("ok"), nil
	}}
	h := newHarness(t, Config{}, device)
	require.NoError(t, h.exec.Connect(context.Background()))

	go h.exec.Submit(context.Background(), node.ActionRequest{Handle: "scan"})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	out := h.exec.Submit(ctx, node.ActionRequest{Handle: "home"})
	assert.Equal(t, node.KindBusyTimeout, out.Kind)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	close(release)
}

func TestAdmittedActionIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	var sawCancel atomic.Bool
	device := &fakeDevice{execute: func(ctx context.Context, _ node.ActionRequest) (node.Result, error) {
		time.Sleep(20 * time.Millisecond)
		sawCancel.Store(ctx.Err() != nil)
		return node.Succeeded("ok"), nil
	}}
	h := newHarness(t, Config{}, device)
	require.NoError(t, h.exec.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	out := h.exec.Submit(ctx, node.ActionRequest{Handle: "home"})
	assert.Equal(t, node.StepSucceeded, out.Result.Status)
	assert.False(t, sawCancel.Load())
}

func TestSubmitOutcomeTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		res        node.Result
		err        error
		wantStatus node.Status
		wantKind   node.Kind
	}{
		{name: "success", res: node.Succeeded("ok"), wantStatus: node.StatusIdle},
		{name: "failed result", res: node.Failed("run failed"), wantStatus: node.StatusIdle, wantKind: node.KindDeviceFailure},
		{name: "device error", err: errors.New("tip collision"), wantStatus: node.StatusIdle, wantKind: node.KindDeviceFailure},
		{name: "malformed", err: node.NewError(node.KindMalformedInput, "missing protocol", nil), wantStatus: node.StatusIdle, wantKind: node.KindMalformedInput},
		{name: "unknown action", err: node.NewError(node.KindUnknownAction, "nope", nil), wantStatus: node.StatusIdle, wantKind: node.KindUnknownAction},
		{name: "unreachable", err: fmt.Errorf("transfer: %w", node.NewError(node.KindConnection, "no route to host", nil)), wantStatus: node.StatusError, wantKind: node.KindConnection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			device := &fakeDevice{execute: func(context.Context, node.ActionRequest) (node.Result, error) {
				return tc.res, tc.err
			}}
			h := newHarness(t, Config{}, device)
			require.NoError(t, h.exec.Connect(context.Background()))

			out := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "run_protocol"})
			assert.True(t, out.Admitted)
			assert.Equal(t, tc.wantStatus, h.exec.Status())
			assert.Equal(t, tc.wantKind, out.Kind)
			if tc.wantKind != "" {
				assert.Equal(t, node.StepFailed, out.Result.Status)
			}
			if tc.err != nil {
				assert.Equal(t, tc.err.Error(), out.Result.Message)
			}
		})
	}
}

func TestSubmitRecoversDevicePanic(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	device := &fakeDevice{execute: func(_ context.Context, req node.ActionRequest) (node.Result, error) {
		if calls.Add(1) == 1 {
			panic("makeslice: cap out of range")
		}
		return node.Succeeded("done " + req.Handle), nil
	}}
	h := newHarness(t, Config{AdmissionTimeout: 200 * time.Millisecond}, device)
	require.NoError(t, h.exec.Connect(context.Background()))

	out := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "scan_poslist"})
	assert.True(t, out.Admitted)
	assert.Equal(t, node.StepFailed, out.Result.Status)
	assert.Equal(t, node.KindDeviceFailure, out.Kind)
	assert.Contains(t, out.Result.Message, "device panic: makeslice")
	assert.Equal(t, node.StatusIdle, h.exec.Status())

	next := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "home"})
	assert.True(t, next.Admitted)
	assert.Equal(t, node.StepSucceeded, next.Result.Status)
	assert.Equal(t, node.StatusIdle, h.exec.Status())
}

func TestSubmitRecordsHistoryAndEvents(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{execute: func(context.Context, node.ActionRequest) (node.Result, error) {
		res := node.Succeeded("run finished")
		res.Path = "/work/logs/run-1.json"
		res.ProtocolHash = "cafebabe"
		return res, nil
	}}
	h := newHarness(t, Config{Node: "ot2_alpha"}, device)
	require.NoError(t, h.exec.Connect(context.Background()))

	out := h.exec.Submit(context.Background(), node.ActionRequest{Handle: "run_protocol", Vars: node.Vars{"use_existing_resources": true}})
	require.Equal(t, node.StepSucceeded, out.Result.Status)

	recs, err := h.history.RecentActions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, out.ActionID, recs[0].ID)
	assert.Equal(t, "ot2_alpha", recs[0].Node)
	assert.Equal(t, "cafebabe", recs[0].ProtocolHash)
	assert.Equal(t, "/work/logs/run-1.json", recs[0].LogPath)
	assert.JSONEq(t, `{"use_existing_resources":true}`, string(recs[0].Vars))
	assert.False(t, recs[0].FinishedAt.Before(recs[0].StartedAt))

	assert.Equal(t, []progress.Stage{
		progress.StageStatusChange, // UNKNOWN -> IDLE
		progress.StageStatusChange, // IDLE -> BUSY
		progress.StageActionStart,
		progress.StageStatusChange, // BUSY -> IDLE
		progress.StageActionDone,
	}, h.events.stages())
	for _, evt := range h.events.events {
		assert.NoError(t, evt.Validate())
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	legal := []struct {
		from node.Status
		ev   Event
		to   node.Status
	}{
		{node.StatusUnknown, EventConnectOK, node.StatusIdle},
		{node.StatusUnknown, EventConnectFailed, node.StatusError},
		{node.StatusError, EventConnectOK, node.StatusIdle},
		{node.StatusError, EventConnectFailed, node.StatusError},
		{node.StatusIdle, EventAdmit, node.StatusBusy},
		{node.StatusBusy, EventSucceeded, node.StatusIdle},
		{node.StatusBusy, EventDeviceFailure, node.StatusIdle},
		{node.StatusBusy, EventMalformedInput, node.StatusIdle},
		{node.StatusBusy, EventUnknownAction, node.StatusIdle},
		{node.StatusBusy, EventConnectionLost, node.StatusError},
	}
	for _, tc := range legal {
		to, ok := Next(tc.from, tc.ev)
		assert.True(t, ok, "%s --%s-->", tc.from, tc.ev)
		assert.Equal(t, tc.to, to, "%s --%s-->", tc.from, tc.ev)
	}

	for _, illegal := range []struct {
		from node.Status
		ev   Event
	}{
		{node.StatusIdle, EventSucceeded},
		{node.StatusBusy, EventAdmit},
		{node.StatusError, EventAdmit},
		{node.StatusUnknown, EventAdmit},
	} {
		_, ok := Next(illegal.from, illegal.ev)
		assert.False(t, ok, "%s --%s-->", illegal.from, illegal.ev)
	}
}
