package gandalf

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// statusTunnel is one forwarding entry in a device's Tunnels array. Field
// names and casing are part of the external contract (spec.md §4.8).
type statusTunnel struct {
	LocalPort  uint16 `json:"Local Port"`
	DevicePort uint16 `json:"Device Port"`
}

// statusDevice is one entry of the status body's status_data array. The
// "Connection Type" and "Product ID" fields are additive (SPEC_FULL.md
// §2.3) and appended after the documented keys.
type statusDevice struct {
	Nickname       string         `json:"Nickname"`
	DeviceID       int32          `json:"Usbmuxd assigned iDevice ID"`
	UDID           string         `json:"iDevice UDID"`
	Tunnels        []statusTunnel `json:"Tunnels"`
	ConnectionType string         `json:"Connection Type"`
	ProductID      int64          `json:"Product ID"`
}

// statusBody is the full JSON body served at GET /.
type statusBody struct {
	Uptime               float64        `json:"uptime"`
	AsyncExceptionsCount int64          `json:"async_exceptions_count"`
	TunnelsCreatedCount  int64          `json:"tunnels_created_count"`
	TunnelTimeouts       int64          `json:"tunnel_timeouts"`
	MappingsFile         string         `json:"mappings_file"`
	StatusData           []statusDevice `json:"status_data"`
}

// snapshot builds the status body from the engine's current state.
func (e *Engine) snapshot() statusBody {
	e.mu.Lock()
	defer e.mu.Unlock()

	data := make([]statusDevice, 0, len(e.devices))
	for d, entry := range e.devices {
		rule, ok := e.mapping[entry.UDID]
		if !ok {
			continue
		}
		tunnels := make([]statusTunnel, 0, len(rule.Forwarding))
		for _, f := range rule.Forwarding {
			tunnels = append(tunnels, statusTunnel{LocalPort: f.LocalPort, DevicePort: f.DevicePort})
		}
		name := rule.Name
		if name == "" {
			name = "<Unnamed>"
		}
		data = append(data, statusDevice{
			Nickname:       name,
			DeviceID:       d,
			UDID:           entry.UDID,
			Tunnels:        tunnels,
			ConnectionType: entry.ConnectionType,
			ProductID:      entry.ProductID,
		})
	}

	return statusBody{
		Uptime:               time.Since(e.startTime).Seconds(),
		AsyncExceptionsCount: e.lazyExceptions.Load(),
		TunnelsCreatedCount:  e.tunnelsCreated.Load(),
		TunnelTimeouts:       e.tunnelTimeouts.Load(),
		MappingsFile:         e.mappingPath,
		StatusData:           data,
	}
}

// ServeHTTP implements the read-only status server (C8): GET / returns the
// JSON body of spec.md §4.8, gzip-compressed when the client advertises
// support for it (SPEC_FULL.md §2.2), and GET /metrics returns a
// Prometheus text exposition of the same counters plus gauges (SPEC_FULL.md
// §2.1). Any other path or method is a 404/405.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		e.serveStatus(w, r)
	case "/metrics":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		e.serveMetrics(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (e *Engine) serveStatus(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(e.snapshot())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gz.Write(body)
		return
	}
	w.Write(body)
}

func (e *Engine) serveMetrics(w http.ResponseWriter, r *http.Request) {
	e.mTunnelsCreated.Set(uint64(e.tunnelsCreated.Load()))
	e.mTunnelTimeouts.Set(uint64(e.tunnelTimeouts.Load()))
	e.mLazyExceptions.Set(uint64(e.lazyExceptions.Load()))

	for _, dev := range e.snapshot().StatusData {
		name := fmt.Sprintf(`gandalf_device_tunnels_open{device_id="%d",udid="%s"}`, dev.DeviceID, dev.UDID)
		e.metricsSet.GetOrCreateGauge(name, nil).Set(float64(len(dev.Tunnels)))
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	e.metricsSet.WritePrometheus(w)
}

// listenerCount returns the total number of currently bound listeners
// across all devices.
func (e *Engine) listenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, group := range e.listeners {
		n += len(group)
	}
	return n
}

// ListenAndServeStatus binds addr and serves the status HTTP server in the
// background until the returned listener is closed. The caller is
// responsible for deciding whether the status server should run at all
// (spec.md §4.6 step 4: "spawn the status HTTP server if configured").
func (e *Engine) ListenAndServeStatus(addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{Handler: e}
	go srv.Serve(ln)
	return srv, ln, nil
}
