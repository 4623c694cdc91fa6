package gandalf

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/r2northstar/gandalf/pkg/mapping"
	"github.com/rs/zerolog"
)

func newStatusTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(&Config{MappingFile: "unused", MuxSocket: "unused"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.startTime = time.Now().Add(-42 * time.Second)
	e.mapping = mapping.Index{
		"AAA": {UDID: "AAA", Name: "i11", Forwarding: []mapping.Forwarding{{LocalPort: 2000, DevicePort: 22}}},
	}
	e.devices[7] = deviceEntry{UDID: "AAA", ConnectionType: "USB", ProductID: 4776}
	e.tunnelsCreated.Store(3)
	e.tunnelTimeouts.Store(1)
	return e
}

// TestStatusJSONContract verifies the documented field names and casing of
// spec.md §4.8's status body are exactly as specified.
func TestStatusJSONContract(t *testing.T) {
	e := newStatusTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"uptime", "async_exceptions_count", "tunnels_created_count", "tunnel_timeouts", "mappings_file", "status_data"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing top-level key %q", key)
		}
	}

	data, ok := body["status_data"].([]any)
	if !ok || len(data) != 1 {
		t.Fatalf("status_data = %v, want one entry", body["status_data"])
	}
	dev := data[0].(map[string]any)
	for _, key := range []string{"Nickname", "Usbmuxd assigned iDevice ID", "iDevice UDID", "Tunnels"} {
		if _, ok := dev[key]; !ok {
			t.Errorf("missing device key %q", key)
		}
	}
	if dev["Nickname"] != "i11" {
		t.Errorf("Nickname = %v, want i11", dev["Nickname"])
	}
	tunnels, ok := dev["Tunnels"].([]any)
	if !ok || len(tunnels) != 1 {
		t.Fatalf("Tunnels = %v, want one entry", dev["Tunnels"])
	}
	tun := tunnels[0].(map[string]any)
	if _, ok := tun["Local Port"]; !ok {
		t.Errorf("missing tunnel key \"Local Port\"")
	}
	if _, ok := tun["Device Port"]; !ok {
		t.Errorf("missing tunnel key \"Device Port\"")
	}
}

// TestStatusUnmappedDeviceOmitted exercises spec.md scenario S3's status
// side: a registered device with no mapping entry never appears.
func TestStatusUnmappedDeviceOmitted(t *testing.T) {
	e := newStatusTestEngine(t)
	e.devices[9] = deviceEntry{UDID: "ZZZ"}

	snap := e.snapshot()
	if len(snap.StatusData) != 1 {
		t.Fatalf("status_data length = %d, want 1", len(snap.StatusData))
	}
	if snap.StatusData[0].UDID != "AAA" {
		t.Errorf("unexpected device in status_data: %+v", snap.StatusData[0])
	}
}

func TestStatusGzipResponse(t *testing.T) {
	e := newStatusTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", enc)
	}

	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip body: %v", err)
	}
	if !strings.Contains(string(plain), `"tunnels_created_count":3`) {
		t.Errorf("decompressed body missing expected field: %s", plain)
	}
}

func TestStatusMetricsEndpoint(t *testing.T) {
	e := newStatusTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "gandalf_tunnels_created_total") {
		t.Errorf("metrics body missing gandalf_tunnels_created_total: %s", body)
	}
	if !strings.Contains(body, "gandalf_tunnel_timeouts_total") {
		t.Errorf("metrics body missing gandalf_tunnel_timeouts_total: %s", body)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	e := newStatusTestEngine(t)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
