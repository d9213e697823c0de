package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/debugfleet/internal/config"
	"github.com/shinji-kodama/debugfleet/internal/model"
	"github.com/shinji-kodama/debugfleet/internal/registry"
)

// livenessFunc adapts a function to the Liveness interface.
type livenessFunc func(ctx context.Context, inst *model.Instance) bool

func (f livenessFunc) Alive(ctx context.Context, inst *model.Instance) bool {
	return f(ctx, inst)
}

var alwaysAlive = livenessFunc(func(context.Context, *model.Instance) bool { return true })

var neverAlive = livenessFunc(func(context.Context, *model.Instance) bool { return false })

// fakeInstance serves the two required protocol endpoints the way a
// headless browser does.
func fakeInstance(t *testing.T) (*httptest.Server, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Browser":"HeadlessChrome/120.0","Protocol-Version":"1.3"}`))
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"t1","type":"page","url":"about:blank"}]`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, serverPort(t, ts)
}

// fakeProxy answers the protocol endpoints under any /debug/<port>/
// prefix, plus an optional auxiliary health endpoint.
func fakeProxy(t *testing.T, withHealth bool) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/json/version"):
			w.Write([]byte(`{"Browser":"HeadlessChrome/120.0"}`))
		case strings.HasSuffix(r.URL.Path, "/json/list"):
			w.Write([]byte(`[]`))
		case r.URL.Path == "/healthz" && withHealth:
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func serverPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return p
}

// closedPort returns a port that was just released, so connecting to
// it is refused.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

func testAggregator(t *testing.T, liveness Liveness, proxyURL string) (*Aggregator, *registry.Registry, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataRoot = root
	cfg.RegistryPath = filepath.Join(root, "registry.json")
	cfg.Proxy.BaseURL = proxyURL
	cfg.Proxy.HealthPath = "/healthz"
	reg := registry.New(cfg.RegistryPath, cfg.RegistryLockPath())
	return NewAggregator(cfg, reg, liveness), reg, cfg
}

func trackedInstance(t *testing.T, reg *registry.Registry, portNum int) *model.Instance {
	t.Helper()
	inst := &model.Instance{
		Port:      portNum,
		PID:       4242,
		ID:        "test-instance",
		State:     model.StateReady,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, reg.Put(inst))
	return inst
}

func checkNames(ph model.PortHealth) []string {
	names := make([]string, 0, len(ph.Checks))
	for _, c := range ph.Checks {
		names = append(names, c.Name)
	}
	return names
}

func TestProbeAllTiersPass(t *testing.T) {
	_, instPort := fakeInstance(t)
	proxy := fakeProxy(t, true)
	agg, reg, _ := testAggregator(t, alwaysAlive, proxy.URL)
	trackedInstance(t, reg, instPort)

	ph := agg.Probe(context.Background(), instPort)

	require.Equal(t, []string{
		model.CheckProcessAlive,
		model.CheckPortReachable,
		model.CheckProtocol,
		model.CheckProxyRoute,
	}, checkNames(ph))
	for _, c := range ph.Checks {
		assert.Equal(t, model.CheckPass, c.Status, c.Name)
	}
}

func TestProbeDeadProcessShortCircuits(t *testing.T) {
	_, instPort := fakeInstance(t)
	proxy := fakeProxy(t, true)
	agg, reg, _ := testAggregator(t, neverAlive, proxy.URL)
	trackedInstance(t, reg, instPort)

	ph := agg.Probe(context.Background(), instPort)

	require.Len(t, ph.Checks, 1)
	assert.Equal(t, model.CheckProcessAlive, ph.Checks[0].Name)
	assert.Equal(t, model.CheckFail, ph.Checks[0].Status)
	assert.Contains(t, ph.Checks[0].Detail, "no longer exists")
}

func TestProbeUntrackedPortFails(t *testing.T) {
	_, instPort := fakeInstance(t)
	proxy := fakeProxy(t, true)
	agg, _, _ := testAggregator(t, alwaysAlive, proxy.URL)

	ph := agg.Probe(context.Background(), instPort)

	require.Len(t, ph.Checks, 1)
	assert.Equal(t, model.CheckFail, ph.Checks[0].Status)
	assert.Contains(t, ph.Checks[0].Detail, "not tracked")
}

func TestProbeUnreachablePortShortCircuits(t *testing.T) {
	proxy := fakeProxy(t, true)
	agg, reg, _ := testAggregator(t, alwaysAlive, proxy.URL)
	dead := closedPort(t)
	trackedInstance(t, reg, dead)

	ph := agg.Probe(context.Background(), dead)

	require.Equal(t, []string{model.CheckProcessAlive, model.CheckPortReachable}, checkNames(ph))
	assert.Equal(t, model.CheckPass, ph.Checks[0].Status)
	assert.Equal(t, model.CheckFail, ph.Checks[1].Status)
}

func TestProbeMissingAuxEndpointWarns(t *testing.T) {
	_, instPort := fakeInstance(t)
	proxy := fakeProxy(t, false)
	agg, reg, _ := testAggregator(t, alwaysAlive, proxy.URL)
	trackedInstance(t, reg, instPort)

	ph := agg.Probe(context.Background(), instPort)

	require.Len(t, ph.Checks, 4)
	last := ph.Checks[3]
	assert.Equal(t, model.CheckProxyRoute, last.Name)
	assert.Equal(t, model.CheckWarn, last.Status)
	assert.Contains(t, last.Detail, "auxiliary health endpoint")

	snapshot := agg.ProbeAll(context.Background(), []int{instPort})
	assert.Equal(t, model.OverallDegraded, snapshot.Overall)
}

func TestProbeBrokenRouteFails(t *testing.T) {
	_, instPort := fakeInstance(t)
	agg, reg, cfg := testAggregator(t, alwaysAlive, "http://127.0.0.1:1")
	cfg.Proxy.HealthPath = ""
	trackedInstance(t, reg, instPort)

	ph := agg.Probe(context.Background(), instPort)

	require.Len(t, ph.Checks, 4)
	assert.Equal(t, model.CheckFail, ph.Checks[3].Status)

	snapshot := agg.ProbeAll(context.Background(), []int{instPort})
	assert.Equal(t, model.OverallUnhealthy, snapshot.Overall)
}

func TestProbeAllZeroPortsIsDegraded(t *testing.T) {
	proxy := fakeProxy(t, true)
	agg, _, _ := testAggregator(t, alwaysAlive, proxy.URL)

	snapshot := agg.ProbeAll(context.Background(), nil)

	assert.Empty(t, snapshot.Ports)
	require.Len(t, snapshot.Warnings, 1)
	assert.Equal(t, model.OverallDegraded, snapshot.Overall)
}

func TestDiscoverFindsAnsweringPort(t *testing.T) {
	_, instPort := fakeInstance(t)
	proxy := fakeProxy(t, true)
	agg, _, cfg := testAggregator(t, alwaysAlive, proxy.URL)
	cfg.PortRangeStart = instPort
	cfg.PortRangeEnd = instPort
	cfg.HotRange = 1

	ports, err := agg.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{instPort}, ports)
}

func TestDiscoverAlwaysIncludesRegistryPorts(t *testing.T) {
	proxy := fakeProxy(t, true)
	agg, reg, cfg := testAggregator(t, alwaysAlive, proxy.URL)
	dead := closedPort(t)
	// Registry entry outside the scanned range, on a dead port.
	cfg.PortRangeStart = 1
	cfg.PortRangeEnd = 1
	cfg.HotRange = 1
	trackedInstance(t, reg, dead)

	ports, err := agg.Discover(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ports, dead)
}
