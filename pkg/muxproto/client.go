package muxproto

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// DefaultSocket is the conventional path to the usbmuxd control socket.
const DefaultSocket = "/var/run/usbmuxd"

// ErrMuxUnreachable wraps a dial failure against the mux socket.
var ErrMuxUnreachable = errors.New("muxproto: mux unreachable")

// ErrUnknownReply is returned when a mux reply frame doesn't parse into any
// recognized message shape.
type ErrUnknownReply struct {
	Detail string
}

func (e *ErrUnknownReply) Error() string { return "muxproto: unknown reply: " + e.Detail }

// ReplyError wraps a non-success Reply returned by the mux for a Connect
// request, so callers can type-switch or errors.As it.
type ReplyError struct {
	Reply Reply
}

func (e *ReplyError) Error() string { return e.Reply.Error() }

// Client dials the mux control socket.
type Client struct {
	// Dial opens a new connection to the mux. It defaults to dialing
	// Socket over a Unix domain socket but can be overridden for tests.
	Dial func(ctx context.Context) (net.Conn, error)

	// Socket is the Unix-domain socket path, used by the default Dial.
	Socket string
}

// NewClient creates a Client dialing socket (DefaultSocket if empty).
func NewClient(socket string) *Client {
	if socket == "" {
		socket = DefaultSocket
	}
	c := &Client{Socket: socket}
	c.Dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.Socket)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMuxUnreachable, err)
		}
		return conn, nil
	}
	return c
}

// Subscribe opens a dedicated mux connection, issues a Listen request, and
// invokes onEvent for every subsequent Attached/Detached event. It blocks
// until the connection closes, ctx is cancelled, or onEvent returns an
// error (in which case that error is returned).
//
// Subscribe is meant to be called once for the lifetime of the process (or
// reconnected on failure by the caller); it must not share its connection
// with ConnectDevice.
func (c *Client) Subscribe(ctx context.Context, onEvent func(Event) error) error {
	conn, err := c.Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fc := NewFramedConn(conn)

	payload, err := EncodeDict([]Pair{
		{Key: "MessageType", Value: String("Listen")},
		{Key: "ClientVersionString", Value: String("gandalf")},
		{Key: "ProgName", Value: String("gandalf")},
		{Key: "kLibUSBMuxVersion", Value: Integer(3)},
	})
	if err != nil {
		return fmt.Errorf("encode Listen request: %w", err)
	}
	if err := fc.WriteFrame(payload); err != nil {
		return fmt.Errorf("send Listen request: %w", err)
	}

	_, respPayload, err := fc.ReadFrame()
	if err != nil {
		return fmt.Errorf("read Listen reply: %w", err)
	}
	reply, err := decodeReply(respPayload)
	if err != nil {
		return &ErrUnknownReply{Detail: err.Error()}
	}
	if reply.Code != ReplySuccess {
		return &ReplyError{Reply: reply}
	}

	for {
		_, payload, err := fc.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrShortRead) {
				return nil // connection closed normally
			}
			return err
		}
		ev, ok, err := decodeEvent(payload)
		if err != nil {
			return &ErrUnknownReply{Detail: err.Error()}
		}
		if !ok {
			continue // not an event we care about (e.g. a second Result)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}

// ConnectDevice opens a fresh mux connection, requests a Connect to
// deviceID's devicePort, and on success returns the connection itself as
// the data path to the device. devicePort is given in host byte order and
// byte-swapped into network order before being placed in the request, since
// the mux passes PortNumber through uninterpreted.
func (c *Client) ConnectDevice(ctx context.Context, deviceID int32, devicePort uint16) (net.Conn, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := EncodeDict([]Pair{
		{Key: "MessageType", Value: String("Connect")},
		{Key: "ClientVersionString", Value: String("gandalf")},
		{Key: "ProgName", Value: String("gandalf")},
		{Key: "DeviceID", Value: Integer(deviceID)},
		{Key: "PortNumber", Value: Integer(int64(networkPort(devicePort)))},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("encode Connect request: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send Connect request: %w", err)
	}

	_, respPayload, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read Connect reply: %w", err)
	}
	reply, err := decodeReply(respPayload)
	if err != nil {
		conn.Close()
		return nil, &ErrUnknownReply{Detail: err.Error()}
	}
	if reply.Code != ReplySuccess {
		conn.Close()
		return nil, &ReplyError{Reply: reply}
	}
	return conn, nil
}

// networkPort byte-swaps a host-order port value into the network-order
// representation the mux expects inside PortNumber. See spec §4.3/§6: the
// mux passes the field through as if it were already big-endian.
func networkPort(p uint16) uint16 {
	return p<<8 | p>>8
}

func decodeReply(payload []byte) (Reply, error) {
	d, err := ParseDict(payload)
	if err != nil {
		return Reply{}, err
	}
	mt, _ := d.AsString("MessageType")
	if mt != "Result" {
		return Reply{}, fmt.Errorf("expected Result message, got %q", mt)
	}
	n, ok := d.AsInt("Number")
	if !ok {
		return Reply{}, fmt.Errorf("Result message missing Number field")
	}
	return Reply{Code: ReplyCode(n), Raw: n}, nil
}

// decodeEvent parses payload as an Attached/Detached event. ok is false if
// the message is some other recognized-but-irrelevant shape (e.g. a second
// Result).
func decodeEvent(payload []byte) (Event, bool, error) {
	d, err := ParseDict(payload)
	if err != nil {
		return Event{}, false, err
	}
	mt, _ := d.AsString("MessageType")
	switch mt {
	case "Attached":
		props, ok := d.Get("Properties")
		pd, isDict := props.(*Dict)
		if !ok || !isDict {
			return Event{}, false, fmt.Errorf("Attached message missing Properties dict")
		}
		devID, _ := pd.AsInt("DeviceID")
		serial, _ := pd.AsString("SerialNumber")
		speed, _ := pd.AsInt("ConnectionSpeed")
		ctype, _ := pd.AsString("ConnectionType")
		pid, _ := pd.AsInt("ProductID")
		loc, _ := pd.AsInt("LocationID")
		return Event{
			Kind:            Attached,
			DeviceID:        int32(devID),
			SerialNumber:    serial,
			ConnectionSpeed: speed,
			ConnectionType:  ctype,
			ProductID:       pid,
			LocationID:      loc,
		}, true, nil
	case "Detached":
		devID, _ := d.AsInt("DeviceID")
		return Event{Kind: Detached, DeviceID: int32(devID)}, true, nil
	case "Result":
		return Event{}, false, nil
	default:
		return Event{}, false, fmt.Errorf("unrecognized MessageType %q", mt)
	}
}
