package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/sampler"
	"github.com/skobkin/gpumon/internal/version"
)

func TestHealthzOK(t *testing.T) {
	t.Parallel()

	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, nil))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.TrimSpace(string(body)) != `{"status":"ok"}` {
		t.Fatalf("unexpected body %q", string(body))
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, nil))

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	// No monitor selected: the service is ready, just empty.
	tsNone := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, nil))
	assertReadyz(t, tsNone.URL+"/readyz", http.StatusOK, "ok", "no_gpu_monitor")

	// Monitor attached but not yet sampled.
	manager := newIdleManager(t, newFakeMonitor())
	ts := newTestHTTPServer(t, defaultTestConfig(), manager)
	assertReadyz(t, ts.URL+"/readyz", http.StatusServiceUnavailable, "initializing", "waiting_for_samples")

	runManager(t, manager)
	assertReadyz(t, ts.URL+"/readyz", http.StatusOK, "ok", "")
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()

	version.Set(version.Info{Version: "v0.0.1", Commit: "abc123", BuildTime: "now"})
	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, nil))

	resp, err := http.Get(ts.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version failed: %v", err)
	}
	defer resp.Body.Close()

	var info version.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "v0.0.1" || info.Commit != "abc123" || info.BuildTime != "now" {
		t.Fatalf("unexpected version payload %+v", info)
	}
}

func TestAPIGPU(t *testing.T) {
	t.Parallel()

	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, newFakeMonitor()))

	resp, err := http.Get(ts.URL + "/api/gpu")
	if err != nil {
		t.Fatalf("GET /api/gpu failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload gpuResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Backend != "fake" || payload.IntervalMS != 10 {
		t.Fatalf("unexpected gpu payload %+v", payload)
	}
	if payload.Device.Name != "Fake GPU" || payload.Device.PCIeGeneration != 4 {
		t.Fatalf("unexpected device %+v", payload.Device)
	}
}

func TestAPIGPUWithoutMonitor(t *testing.T) {
	t.Parallel()

	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, nil))
	for _, path := range []string{"/api/gpu", "/api/gpu/metrics", "/api/gpu/procs"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestAPIGPUMetricsAndProcs(t *testing.T) {
	t.Parallel()

	manager := newIdleManager(t, newFakeMonitor())
	ts := newTestHTTPServer(t, defaultTestConfig(), manager)

	resp, err := http.Get(ts.URL + "/api/gpu/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first sample, got %d", resp.StatusCode)
	}

	runManager(t, manager)

	resp, err = http.Get(ts.URL + "/api/gpu/metrics")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	var snapshot sampler.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snapshot.Backend != "fake" || snapshot.Metrics.Utilization != 64 || snapshot.Metrics.TemperatureC != 55 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	procResp, err := http.Get(ts.URL + "/api/gpu/procs")
	if err != nil {
		t.Fatalf("GET procs failed: %v", err)
	}
	defer procResp.Body.Close()
	var procs []monitor.Process
	if err := json.NewDecoder(procResp.Body).Decode(&procs); err != nil {
		t.Fatalf("decode procs: %v", err)
	}
	if len(procs) != 1 || procs[0].PID != 4242 || procs[0].Name != "blender" {
		t.Fatalf("unexpected processes %+v", procs)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.EnablePrometheus = true
	manager := newIdleManager(t, newFakeMonitor())
	runManager(t, manager)
	ts := newTestHTTPServer(t, cfg, manager)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		`gpumon_gpu_utilization_percent{backend="fake"} 64`,
		`gpumon_gpu_temperature_celsius{backend="fake"} 55`,
		`gpumon_gpu_processes{backend="fake"} 1`,
		`gpumon_sampler_failures_total{backend="fake"} 0`,
		`gpumon_gpu_info{backend="fake",driver_version="1.0",firmware_version="N/A",name="Fake GPU",uuid="GPU-fake"} 1`,
		`gpumon_ws_active_connections 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestPrometheusDisabledByDefault(t *testing.T) {
	t.Parallel()

	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, newFakeMonitor()))
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without prometheus, got %d", resp.StatusCode)
	}
}

func TestWebSocketHelloStatsAndPing(t *testing.T) {
	t.Parallel()

	manager := newIdleManager(t, newFakeMonitor())
	runManager(t, manager)
	ts := newTestHTTPServer(t, defaultTestConfig(), manager)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := readWSMessage(t, ctx, conn)
	if hello["type"] != "hello" || hello["backend"] != "fake" {
		t.Fatalf("unexpected hello %v", hello)
	}
	device, ok := hello["device"].(map[string]any)
	if !ok || device["name"] != "Fake GPU" {
		t.Fatalf("unexpected hello device %v", hello["device"])
	}

	stats := readWSMessage(t, ctx, conn)
	if stats["type"] != "stats" {
		t.Fatalf("expected stats after hello, got %v", stats["type"])
	}
	metrics, ok := stats["metrics"].(map[string]any)
	if !ok || metrics["utilization_pct"] != float64(64) {
		t.Fatalf("unexpected stats metrics %v", stats["metrics"])
	}

	procs := readWSMessage(t, ctx, conn)
	if procs["type"] != "procs" {
		t.Fatalf("expected procs after stats, got %v", procs["type"])
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	for {
		msg := readWSMessage(t, ctx, conn)
		if msg["type"] == "pong" {
			break
		}
	}
}

func TestWebSocketWithoutMonitorReportsError(t *testing.T) {
	t.Parallel()

	ts := newTestHTTPServer(t, defaultTestConfig(), newIdleManager(t, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if msg := readWSMessage(t, ctx, conn); msg["type"] != "hello" {
		t.Fatalf("expected hello, got %v", msg)
	}
	msg := readWSMessage(t, ctx, conn)
	if msg["type"] != "error" || !strings.Contains(msg["message"].(string), "no GPU monitor") {
		t.Fatalf("expected error message, got %v", msg)
	}
}

func TestWebSocketCapacity(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.WS.MaxClients = 1
	manager := newIdleManager(t, newFakeMonitor())
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), manager)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "")
	_ = readWSMessage(t, ctx, first)

	_, resp, err := websocket.Dial(ctx, toWebsocketURL(ts.URL+"/ws"), nil)
	if err == nil {
		t.Fatalf("expected second dial to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for second client, got %+v", resp)
	}
	if srv.wsRejected.Load() != 1 {
		t.Fatalf("expected one rejection, got %d", srv.wsRejected.Load())
	}
}

func TestWSOutboundDropsOldest(t *testing.T) {
	t.Parallel()

	var drops atomic.Uint64
	out := newWSOutbound(2, &drops)
	for _, msg := range []string{"a", "b", "c"} {
		if !out.enqueue([]byte(msg)) {
			t.Fatalf("enqueue %q failed", msg)
		}
	}
	if got := string(<-out.channel()); got != "b" {
		t.Fatalf("expected oldest message dropped, got %q first", got)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected one drop, got %d", drops.Load())
	}

	out.close()
	if out.enqueue([]byte("d")) {
		t.Fatalf("enqueue after close should fail")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	if got := originPatterns([]string{"https://a.test", "*"}); len(got) != 1 || got[0] != "*" {
		t.Fatalf("wildcard should allow every origin, got %v", got)
	}
	got := originPatterns([]string{"a.test", "b.test"})
	if len(got) != 2 || got[1] != "b.test" {
		t.Fatalf("unexpected patterns %v", got)
	}
}

type fakeMonitor struct {
	mu     sync.Mutex
	closed bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{}
}

func (f *fakeMonitor) Backend() string { return "fake" }

func (f *fakeMonitor) StaticInfo() monitor.StaticInfo {
	return monitor.StaticInfo{
		Name:            "Fake GPU",
		UUID:            "GPU-fake",
		DriverVersion:   "1.0",
		FirmwareVersion: monitor.NotAvailable,
		PCIeGeneration:  4,
		PCIeWidth:       16,
	}
}

func (f *fakeMonitor) Sample() (monitor.Sample, []monitor.Process, error) {
	return monitor.Sample{Utilization: 64, TemperatureC: 55, MemoryTotalGiB: 8},
		[]monitor.Process{{PID: 4242, Name: "blender", MemoryBytes: 1 << 20}}, nil
}

func (f *fakeMonitor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newIdleManager(t *testing.T, mon monitor.Monitor) *sampler.Manager {
	t.Helper()
	manager, err := sampler.NewManager(10*time.Millisecond, mon, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	return manager
}

func runManager(t *testing.T, manager *sampler.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = manager.Run(ctx) }()
	waitFor(t, 2*time.Second, manager.Ready)
}

func newTestHTTPServer(t *testing.T, cfg config.Config, telemetry Telemetry) *httptest.Server {
	t.Helper()
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), telemetry)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func assertReadyz(t *testing.T, url string, expectedStatus int, expected, reason string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		t.Fatalf("expected status %d, got %d", expectedStatus, resp.StatusCode)
	}
	var payload readyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if payload.Status != expected {
		t.Fatalf("expected status %q, got %q", expected, payload.Status)
	}
	if payload.Reason != reason {
		t.Fatalf("expected reason %q, got %q", reason, payload.Reason)
	}
}

func readWSMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("unexpected message type %v", msgType)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode websocket message: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func defaultTestConfig() config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SampleInterval = 10 * time.Millisecond
	cfg.WS.WriteTimeout = time.Second
	cfg.WS.ReadTimeout = 5 * time.Second
	return cfg
}

func toWebsocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}
