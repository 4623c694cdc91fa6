package gandalf

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/r2northstar/gandalf/pkg/mapping"
	"github.com/r2northstar/gandalf/pkg/muxproto"
	"github.com/rs/zerolog"
)

// discoveryWindow is the fixed startup grace period (spec.md §4.6) during
// which Attached/Detached events populate the device registry without
// triggering listener binds, so a burst of already-connected devices is
// joined against the mapping in one batch instead of device-at-a-time.
const discoveryWindow = 1 * time.Second

// muxClient is the subset of *muxproto.Client the engine depends on,
// narrowed to an interface so tests can supply a fake mux.
type muxClient interface {
	Subscribe(ctx context.Context, onEvent func(muxproto.Event) error) error
	ConnectDevice(ctx context.Context, deviceID int32, devicePort uint16) (net.Conn, error)
}

// Engine is the forwarding engine (C6): it owns the mapping index, the
// device registry, and the listener set, all under one mutex, and drives
// them from mux subscription events.
type Engine struct {
	log             zerolog.Logger
	muxClient       muxClient
	tunnelTimeout   time.Duration
	discoveryWindow time.Duration
	startTime       time.Time

	// listenOnly is true when no mapping file was configured (spec.md §8
	// S1): the engine subscribes to the mux and announces attach/detach
	// events on listenOnlyOut instead of loading a mapping or binding any
	// listeners.
	listenOnly    bool
	listenOnlyOut io.Writer

	mu          sync.Mutex
	mapping     mapping.Index
	mappingPath string
	devices     map[int32]deviceEntry
	listeners   map[int32][]*deviceListener

	tunnelsCreated atomic.Int64
	tunnelTimeouts atomic.Int64
	lazyExceptions atomic.Int64

	metricsSet      *metrics.Set
	mTunnelsCreated *metrics.Counter
	mTunnelTimeouts *metrics.Counter
	mLazyExceptions *metrics.Counter
}

// New constructs an Engine from cfg. The mapping file is not loaded until
// Start is called.
//
// An empty cfg.MappingFile puts the engine in listen-only mode (spec.md §8
// S1): no mapping is ever loaded and no listeners are ever bound; attach and
// detach events are only announced on stdout.
func New(cfg *Config, log zerolog.Logger) (*Engine, error) {
	listenOnly := cfg.MappingFile == ""

	var path string
	if !listenOnly {
		var err error
		path, err = filepath.Abs(cfg.MappingFile)
		if err != nil {
			return nil, fmt.Errorf("resolve mapping file path: %w", err)
		}
	}

	e := &Engine{
		log:             log,
		muxClient:       muxproto.NewClient(cfg.MuxSocket),
		tunnelTimeout:   cfg.TunnelTimeout,
		discoveryWindow: discoveryWindow,
		listenOnly:      listenOnly,
		listenOnlyOut:   os.Stdout,
		mappingPath:     path,
		devices:         make(map[int32]deviceEntry),
		listeners:       make(map[int32][]*deviceListener),
		metricsSet:      metrics.NewSet(),
	}
	e.mTunnelsCreated = e.metricsSet.NewCounter("gandalf_tunnels_created_total")
	e.mTunnelTimeouts = e.metricsSet.NewCounter("gandalf_tunnel_timeouts_total")
	e.mLazyExceptions = e.metricsSet.NewCounter("gandalf_lazy_exceptions_total")
	e.metricsSet.NewGauge("gandalf_devices_attached", func() float64 { return float64(len(e.attachedDevices())) })
	e.metricsSet.NewGauge("gandalf_listeners_open", func() float64 { return float64(e.listenerCount()) })
	e.metricsSet.NewGauge("gandalf_uptime_seconds", func() float64 { return time.Since(e.startTime).Seconds() })
	return e, nil
}

// Start loads the mapping file, subscribes to the mux, waits out the
// discovery window, binds the initial batch of listeners, and then blocks
// processing ongoing Attached/Detached events until ctx is cancelled or
// the mux subscription fails.
func (e *Engine) Start(ctx context.Context) error {
	if e.listenOnly {
		e.mu.Lock()
		e.mapping = mapping.Index{}
		e.mu.Unlock()
	} else {
		idx, err := mapping.Load(e.mappingPath)
		if err != nil {
			return fmt.Errorf("load mapping: %w", err)
		}
		e.mu.Lock()
		e.mapping = idx
		e.mu.Unlock()
	}
	e.startTime = time.Now()

	eventCh := make(chan muxproto.Event, 64)
	subErrCh := make(chan error, 1)
	go func() {
		subErrCh <- e.muxClient.Subscribe(ctx, func(ev muxproto.Event) error {
			select {
			case eventCh <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	if err := e.discover(ctx, eventCh, subErrCh); err != nil {
		return err
	}
	return e.serve(ctx, eventCh, subErrCh)
}

// discover accumulates Attached/Detached events into the device registry
// for discoveryWindow without binding any listeners, then binds the
// initial batch of listeners for every device that is both registered and
// mapped.
func (e *Engine) discover(ctx context.Context, eventCh <-chan muxproto.Event, errCh <-chan error) error {
	timer := time.NewTimer(e.discoveryWindow)
	defer timer.Stop()
	for {
		select {
		case ev := <-eventCh:
			e.recordRegistry(ev)
		case err := <-errCh:
			return fmt.Errorf("mux subscription failed during discovery: %w", err)
		case <-timer.C:
			e.bindInitialListeners()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve processes events after the discovery window has closed.
func (e *Engine) serve(ctx context.Context, eventCh <-chan muxproto.Event, errCh <-chan error) error {
	for {
		select {
		case ev := <-eventCh:
			e.handleEvent(ev)
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// announceListenOnly prints the connect/disconnect lines spec.md §8 S1
// requires in listen-only mode.
func (e *Engine) announceListenOnly(ev muxproto.Event) {
	switch ev.Kind {
	case muxproto.Attached:
		fmt.Fprintf(e.listenOnlyOut, "Device %d with serial number: %s connected\n", ev.DeviceID, ev.SerialNumber)
	case muxproto.Detached:
		fmt.Fprintf(e.listenOnlyOut, "Device %d disconnected\n", ev.DeviceID)
	}
}

// recordRegistry applies an event to the device registry only, with no
// side effect on the listener set. Used during the discovery window.
func (e *Engine) recordRegistry(ev muxproto.Event) {
	if e.listenOnly {
		e.announceListenOnly(ev)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch ev.Kind {
	case muxproto.Attached:
		e.devices[ev.DeviceID] = deviceEntry{
			UDID:           ev.SerialNumber,
			ConnectionType: ev.ConnectionType,
			ProductID:      ev.ProductID,
		}
	case muxproto.Detached:
		delete(e.devices, ev.DeviceID)
	}
}

// bindInitialListeners binds one batch of listeners for every device
// already in the registry whose udid has a mapping entry.
func (e *Engine) bindInitialListeners() {
	e.mu.Lock()
	type pending struct {
		deviceID int32
		rule     mapping.Rule
	}
	var toBind []pending
	for d, entry := range e.devices {
		if rule, ok := e.mapping[entry.UDID]; ok {
			toBind = append(toBind, pending{deviceID: d, rule: rule})
		}
	}
	e.mu.Unlock()

	for _, p := range toBind {
		e.bindDeviceListeners(p.deviceID, p.rule)
	}
}

// handleEvent applies an Attached or Detached event once the engine is
// past its discovery window: a first-time attach binds listeners if the
// device's udid is mapped; a duplicate attach is ignored; a detach tears
// down whatever listeners were bound for that device.
func (e *Engine) handleEvent(ev muxproto.Event) {
	if e.listenOnly {
		e.announceListenOnly(ev)
	}
	switch ev.Kind {
	case muxproto.Attached:
		e.mu.Lock()
		if _, exists := e.devices[ev.DeviceID]; exists {
			e.mu.Unlock()
			e.log.Debug().Int32("device_id", ev.DeviceID).Msg("duplicate attach ignored")
			return
		}
		e.devices[ev.DeviceID] = deviceEntry{
			UDID:           ev.SerialNumber,
			ConnectionType: ev.ConnectionType,
			ProductID:      ev.ProductID,
		}
		rule, ok := e.mapping[ev.SerialNumber]
		e.mu.Unlock()
		if ok {
			e.bindDeviceListeners(ev.DeviceID, rule)
		}

	case muxproto.Detached:
		e.mu.Lock()
		lns := e.listeners[ev.DeviceID]
		delete(e.listeners, ev.DeviceID)
		delete(e.devices, ev.DeviceID)
		e.mu.Unlock()
		for _, ln := range lns {
			ln.ln.Close()
		}
	}
}

// Reload loads the mapping file at path and, if it parses successfully,
// rebuilds the entire listener set from the current device registry
// against the new mapping. If the load fails, the previous mapping and
// listener set are left untouched: a bad mapping file never tears down a
// daemon that is already forwarding correctly.
func (e *Engine) Reload(path string) error {
	if e.listenOnly {
		e.log.Info().Msg("reload requested in listen-only mode, ignoring (no mapping file configured)")
		return nil
	}

	newIdx, err := mapping.Load(path)
	if err != nil {
		e.log.Error().Err(err).Str("path", path).Msg("reload failed, retaining previous mapping")
		return err
	}

	e.mu.Lock()
	oldListeners := e.listeners
	e.listeners = make(map[int32][]*deviceListener)
	e.mapping = newIdx
	e.mappingPath = path
	devices := make(map[int32]deviceEntry, len(e.devices))
	for d, entry := range e.devices {
		devices[d] = entry
	}
	e.mu.Unlock()

	for _, group := range oldListeners {
		for _, ln := range group {
			ln.ln.Close()
		}
	}

	for d, entry := range devices {
		if rule, ok := newIdx[entry.UDID]; ok {
			e.bindDeviceListeners(d, rule)
		}
	}

	e.log.Info().Str("path", path).Int("devices_mapped", len(devices)).Msg("reload complete")
	return nil
}

// Shutdown closes every bound listener. Connections already accepted and
// in the middle of a pump are left to finish naturally; Shutdown does not
// forcibly terminate them.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	lns := e.listeners
	e.listeners = make(map[int32][]*deviceListener)
	e.mu.Unlock()

	for _, group := range lns {
		for _, ln := range group {
			ln.ln.Close()
		}
	}
}

// attachedDevices returns the udids currently in the device registry that
// also have a mapping entry, i.e. devices actually represented in status
// output.
func (e *Engine) attachedDevices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var udids []string
	for _, entry := range e.devices {
		if _, ok := e.mapping[entry.UDID]; ok {
			udids = append(udids, entry.UDID)
		}
	}
	return udids
}
