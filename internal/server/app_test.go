package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/config"
	"github.com/JakeFAU/labnodes/internal/node"
)

func fakeImSwitch(t *testing.T) (string, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /PositionerController/getPositionerPositions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ESP32Stage":{"X":0,"Y":0,"Z":0}}`))
	})
	mux.HandleFunc("GET /PositionerController/homeAxis", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`null`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func testConfig(t *testing.T, family string) config.Config {
	t.Helper()
	return config.Config{
		Family: family,
		Node: config.NodeConfig{
			Alias:            "node-a",
			Host:             "127.0.0.1",
			Port:             2005,
			WorkRoot:         t.TempDir(),
			AdmissionTimeout: time.Second,
			Version:          "test",
		},
		Server:  config.ServerConfig{ReadTimeout: 5 * time.Second, ShutdownTimeout: 5 * time.Second, MaxUploadBytes: 1 << 20},
		OT2:     config.OT2Config{IP: "127.0.0.1", Port: 1, PollInterval: 10 * time.Millisecond},
		History: config.HistoryConfig{Driver: config.HistoryMemory, Capacity: 10},
		Progress: config.ProgressConfig{
			BufferSize:     16,
			MaxBatchEvents: 4,
			MaxBatchWait:   10 * time.Millisecond,
			SinkTimeout:    time.Second,
		},
	}
}

func TestBuildUC2ServesActions(t *testing.T) {
	host, port := fakeImSwitch(t)
	cfg := testConfig(t, config.FamilyUC2)
	cfg.UC2 = config.UC2Config{IP: host, Port: port, PoslistLegacyYStep: true}

	app, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Equal(t, node.StatusUnknown, app.Executor().Status())
	app.Connect(context.Background())
	assert.Equal(t, node.StatusIdle, app.Executor().Status())

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/action?action_handle=home", "application/octet-stream", nil)
	require.NoError(t, err)
	var result node.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, node.StepSucceeded, result.Status)

	resp, err = http.Get(srv.URL + "/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Actions []node.ActionRecord `json:"actions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Actions, 1)
	assert.Equal(t, "home", body.Actions[0].Handle)

	assert.DirExists(t, filepath.Join(cfg.Node.WorkRoot, "node-a", "resources"))
}

func TestBuildUnreachableDeviceStartsInError(t *testing.T) {
	cfg := testConfig(t, config.FamilyOT2)

	app, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	app.Connect(context.Background())
	assert.Equal(t, node.StatusError, app.Executor().Status())

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildSQLiteHistoryDefaultsToWorkdir(t *testing.T) {
	host, port := fakeImSwitch(t)
	cfg := testConfig(t, config.FamilyUC2)
	cfg.UC2 = config.UC2Config{IP: host, Port: port}
	cfg.History.Driver = config.HistorySQLite

	app, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))

	_, err = os.Stat(filepath.Join(cfg.Node.WorkRoot, "node-a", historyDBName))
	assert.NoError(t, err)
}

func TestBuildRejectsUnknownFamily(t *testing.T) {
	cfg := testConfig(t, "pipette")

	_, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device family")
}

func TestBuildRegistersMetricsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(t, config.FamilyOT2)

	app, err := build(context.Background(), cfg, zap.NewNop(), reg)
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))

	_, err = build(context.Background(), testConfig(t, config.FamilyOT2), zap.NewNop(), reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "progress metrics init failed")
}

func TestBuildBadgerHistoryDefaultsToWorkdir(t *testing.T) {
	host, port := fakeImSwitch(t)
	cfg := testConfig(t, config.FamilyUC2)
	cfg.UC2 = config.UC2Config{IP: host, Port: port}
	cfg.History.Driver = config.HistoryBadger

	app, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))

	assert.DirExists(t, filepath.Join(cfg.Node.WorkRoot, "node-a", historyBadgerDir))
}

func TestBuildFailsOnUnreachableNATS(t *testing.T) {
	cfg := testConfig(t, config.FamilyOT2)
	cfg.NATS = config.NATSConfig{URL: "nats://127.0.0.1:1", SubjectPrefix: "labnode"}

	_, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats publisher init failed")
}
