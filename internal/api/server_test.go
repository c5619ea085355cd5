package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/executor"
	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/storage/memory"
)

func TestServer_State(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{status: node.StatusBusy}
	rec := serve(t, newTestServer(t, exec), httptest.NewRequest(http.MethodGet, "/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"State":"BUSY"}`, rec.Body.String())
}

func TestServer_About(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(t, &fakeExecutor{}), httptest.NewRequest(http.MethodGet, "/about", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var about node.About
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &about))
	assert.Equal(t, "test_node", about.Name)
	assert.Equal(t, node.Interface, about.Interface)
	require.Len(t, about.Actions, 1)
	assert.Equal(t, "home", about.Actions[0].Name)
}

func TestServer_Resources(t *testing.T) {
	t.Parallel()

	res := &fakeResources{}
	server := newTestServerWith(t, &fakeExecutor{}, res, memory.NewHistoryStore(0))

	rec := serve(t, server, httptest.NewRequest(http.MethodGet, "/resources", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"State":""}`, rec.Body.String())

	res.set(`{"tips": 96}`, nil)
	rec = serve(t, server, httptest.NewRequest(http.MethodGet, "/resources", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, `{"tips": 96}`, body["State"])

	res.set("", errors.New("disk gone"))
	rec = serve(t, server, httptest.NewRequest(http.MethodGet, "/resources", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Action_SubmitsRequestWithFiles(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{out: executor.Outcome{
		ActionID: "action-7",
		Result:   node.Result{Status: node.StepSucceeded, Message: "ran", Log: "ran", Path: "/work/logs/run.json"},
		Admitted: true,
	}}
	server := newTestServer(t, exec)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "protocol")
	require.NoError(t, err)
	_, err = part.Write([]byte("print('hi')\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	target := "/action?" + url.Values{
		"action_handle": {"run_protocol"},
		"action_vars":   {`{"use_existing_resources": true}`},
	}.Encode()
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := serve(t, server, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "action-7", rec.Header().Get("X-Action-ID"))
	assert.JSONEq(t,
		`{"action_response":"succeeded","action_msg":"ran","action_log":"ran","path":"/work/logs/run.json"}`,
		rec.Body.String())

	got := exec.lastRequest()
	assert.Equal(t, "run_protocol", got.Handle)
	assert.Equal(t, true, got.Vars["use_existing_resources"])
	require.Len(t, got.Files, 1)
	assert.Equal(t, "files", got.Files[0].Name)
	assert.Equal(t, "protocol", got.Files[0].Filename)
	assert.Equal(t, "print('hi')\n", string(got.Files[0].Data))
	f, ok := got.File("protocol")
	assert.True(t, ok)
	assert.Equal(t, got.Files[0], f)
}

func TestServer_Action_RejectsBadInputWith200(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing handle":  "/action?action_vars=%7B%7D",
		"bad vars":        "/action?action_handle=home&action_vars=%7Bnope",
		"vars not object": "/action?action_handle=home&action_vars=%5B1%2C2%5D",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			exec := &fakeExecutor{}
			rec := serve(t, newTestServer(t, exec), httptest.NewRequest(http.MethodPost, target, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			var res node.Result
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
			assert.Equal(t, node.StepFailed, res.Status)
			assert.NotEmpty(t, res.Message)
			assert.Zero(t, exec.submitted(), "bad input never reaches the executor")
		})
	}
}

func TestServer_Action_WithoutVarsUsesEmptySet(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{out: executor.Outcome{Result: node.Succeeded("homed")}}
	rec := serve(t, newTestServer(t, exec), httptest.NewRequest(http.MethodPost, "/action?action_handle=home", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Action-ID"))
	assert.NotNil(t, exec.lastRequest().Vars)
	assert.Empty(t, exec.lastRequest().Files)
}

func TestServer_History(t *testing.T) {
	t.Parallel()

	history := memory.NewHistoryStore(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, history.RecordAction(context.Background(), node.ActionRecord{
			ID:     fmt.Sprintf("a-%d", i),
			Node:   "test_node",
			Handle: "home",
			Status: node.StepSucceeded,
		}))
	}
	server := newTestServerWith(t, &fakeExecutor{}, &fakeResources{}, history)

	rec := serve(t, server, httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Actions []node.ActionRecord `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Actions, 2)
	assert.Equal(t, "a-4", body.Actions[0].ID)
	assert.Equal(t, "a-3", body.Actions[1].ID)

	rec = serve(t, server, httptest.NewRequest(http.MethodGet, "/history?limit=-3", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	noHistory := newTestServerWith(t, &fakeExecutor{}, &fakeResources{}, nil)
	rec = serve(t, noHistory, httptest.NewRequest(http.MethodGet, "/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{status: node.StatusUnknown}
	server := newTestServer(t, exec)

	rec := serve(t, server, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, server, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	exec.setStatus(node.StatusBusy)
	rec = serve(t, server, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "BUSY")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeExecutor{})
	serve(t, server, httptest.NewRequest(http.MethodGet, "/state", nil))
	rec := serve(t, server, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{panicOnSubmit: true}
	rec := serve(t, newTestServer(t, exec), httptest.NewRequest(http.MethodPost, "/action?action_handle=home", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ActionThroughExecutor(t *testing.T) {
	t.Parallel()

	history := memory.NewHistoryStore(0)
	exec, err := executor.New(executor.Config{Node: "test_node"}, executor.Deps{
		Device:  stubDevice{},
		History: history,
		Clock:   &fakeClock{now: time.Unix(100, 0)},
		IDs:     &fakeIDGen{ids: []string{"a-1", "a-2"}},
	})
	require.NoError(t, err)
	require.NoError(t, exec.Connect(context.Background()))

	server, err := NewServer(Config{}, Deps{Executor: exec, About: stubDevice{}, Resources: &fakeResources{}, History: history})
	require.NoError(t, err)

	rec := serve(t, server, httptest.NewRequest(http.MethodPost, "/action?action_handle=dance", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action_response":"failed"`)
	assert.Contains(t, rec.Body.String(), "UNKNOWN ACTION REQUEST")
	assert.Equal(t, "a-1", rec.Header().Get("X-Action-ID"))

	rec = serve(t, server, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.JSONEq(t, `{"State":"IDLE"}`, rec.Body.String())

	recs, err := history.RecentActions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, node.KindUnknownAction, recs[0].ErrorKind)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeExecutor{})
	rec := serve(t, server, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "engine-42")
	rec = serve(t, server, req)
	require.Equal(t, "engine-42", rec.Header().Get("X-Request-ID"))
}

func TestNewServerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{}, Deps{})
	require.Error(t, err)
	_, err = NewServer(Config{}, Deps{Executor: &fakeExecutor{}})
	require.Error(t, err)
	_, err = NewServer(Config{}, Deps{Executor: &fakeExecutor{}, About: stubDevice{}})
	require.Error(t, err)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, exec Executor) *Server {
	t.Helper()
	return newTestServerWith(t, exec, &fakeResources{}, memory.NewHistoryStore(0))
}

func newTestServerWith(t *testing.T, exec Executor, res Resources, history node.HistoryStore) *Server {
	t.Helper()
	s, err := NewServer(Config{}, Deps{
		Executor:  exec,
		About:     stubDevice{},
		Resources: res,
		History:   history,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

type fakeExecutor struct {
	mu            sync.Mutex
	status        node.Status
	out           executor.Outcome
	reqs          []node.ActionRequest
	panicOnSubmit bool
}

func (f *fakeExecutor) Status() node.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return node.StatusIdle
	}
	return f.status
}

func (f *fakeExecutor) setStatus(s node.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeExecutor) Submit(_ context.Context, req node.ActionRequest) executor.Outcome {
	if f.panicOnSubmit {
		panic("device driver exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.out
}

func (f *fakeExecutor) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeExecutor) lastRequest() node.ActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeResources struct {
	mu       sync.Mutex
	contents string
	err      error
}

func (f *fakeResources) LastSnapshot() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contents, f.err
}

func (f *fakeResources) set(contents string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contents, f.err = contents, err
}

type stubDevice struct{}

func (stubDevice) Connect(context.Context) error { return nil }

func (stubDevice) About() node.About {
	return node.About{
		Name:          "test_node",
		Model:         "Stub",
		Interface:     node.Interface,
		Actions:       []node.Action{{Name: "home"}},
		ResourcePools: []string{},
	}
}

func (stubDevice) Execute(_ context.Context, req node.ActionRequest) (node.Result, error) {
	if req.Handle != "home" {
		return node.Result{}, node.NewError(node.KindUnknownAction, "UNKNOWN ACTION REQUEST! Available actions: home", nil)
	}
	return node.Succeeded("homed"), nil
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
