package gandalf

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/r2northstar/gandalf/pkg/mapping"
	"github.com/r2northstar/gandalf/pkg/muxproto"
	"github.com/r2northstar/gandalf/pkg/proxy"
	"github.com/rs/xid"
)

// deviceEntry is the device registry's value type: everything we know
// about a device_id from the Attached event that introduced it.
type deviceEntry struct {
	UDID           string
	ConnectionType string
	ProductID      int64
}

// deviceListener is one bound TCP listener serving a single forwarding
// rule for a single attached device.
type deviceListener struct {
	ln         net.Listener
	deviceID   int32
	localPort  uint16
	devicePort uint16
}

// bindDeviceListeners opens one TCP listener per forwarding entry of rule
// for deviceID, in parallel, and registers each successfully bound
// listener in the engine's listener set. A bind failure for one
// forwarding entry is logged and does not prevent the others from binding
// — per spec.md §4.6, listener bind/teardown for a device is a batch
// operation, but a partial batch is better than none.
func (e *Engine) bindDeviceListeners(deviceID int32, rule mapping.Rule) {
	type result struct {
		dl  *deviceListener
		err error
	}
	resCh := make(chan result, len(rule.Forwarding))

	for _, fwd := range rule.Forwarding {
		go func(fwd mapping.Forwarding) {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", fwd.LocalPort))
			if err != nil {
				resCh <- result{err: fmt.Errorf("bind local port %d: %w", fwd.LocalPort, err)}
				return
			}
			resCh <- result{dl: &deviceListener{
				ln:         ln,
				deviceID:   deviceID,
				localPort:  fwd.LocalPort,
				devicePort: fwd.DevicePort,
			}}
		}(fwd)
	}

	for range rule.Forwarding {
		res := <-resCh
		if res.err != nil {
			e.log.Error().Err(res.err).Int32("device_id", deviceID).Msg("tunnel listener bind failed")
			continue
		}
		e.mu.Lock()
		e.listeners[deviceID] = append(e.listeners[deviceID], res.dl)
		e.mu.Unlock()
		go e.acceptLoop(res.dl)
	}
}

// acceptLoop runs a single listener's accept loop until it is closed,
// either by a detach, a reload, or shutdown.
func (e *Engine) acceptLoop(dl *deviceListener) {
	for {
		conn, err := dl.ln.Accept()
		if err != nil {
			return
		}
		go e.handleAccept(dl, conn)
	}
}

// handleAccept implements spec.md §4.6's per-listener accept handler: open
// the mux connection, classify failure without surfacing it to the
// listener, and on success run the proxy pump.
func (e *Engine) handleAccept(dl *deviceListener, client net.Conn) {
	id := xid.New()
	log := e.log.With().
		Str("tunnel", id.String()).
		Int32("device_id", dl.deviceID).
		Uint16("local_port", dl.localPort).
		Uint16("device_port", dl.devicePort).
		Logger()

	muxConn, err := e.muxClient.ConnectDevice(context.Background(), dl.deviceID, dl.devicePort)
	if err != nil {
		var re *muxproto.ReplyError
		if errors.As(err, &re) {
			log.Info().Err(err).Msg("device declined connect")
		} else {
			log.Warn().Err(err).Msg("mux connect failed")
		}
		client.Close()
		return
	}

	e.tunnelsCreated.Add(1)
	e.mTunnelsCreated.Inc()
	log.Debug().Msg("tunnel opened")

	res := proxy.Pump(client, muxConn, e.tunnelTimeout)
	switch res.Reason {
	case proxy.ReasonIdleTimeout:
		e.tunnelTimeouts.Add(1)
		e.mTunnelTimeouts.Inc()
		log.Info().Msg("tunnel closed: idle timeout")
	case proxy.ReasonReset:
		log.Info().Err(res.Err).Msg("tunnel closed: peer reset")
	case proxy.ReasonEOF:
		log.Debug().
			Int64("client_to_peer_bytes", res.ClientToPeer).
			Int64("peer_to_client_bytes", res.PeerToClient).
			Msg("tunnel closed")
	default:
		log.Error().Err(res.Err).Msg("tunnel closed: unexpected error")
	}
}
