package muxproto

import "testing"

func TestEncodeParseRoundTrip(t *testing.T) {
	pairs := []Pair{
		{Key: "MessageType", Value: String("Connect")},
		{Key: "DeviceID", Value: Integer(7)},
		{Key: "PortNumber", Value: Integer(5632)},
		{Key: "List", Value: Array{String("a"), Integer(2)}},
	}
	b, err := EncodeDict(pairs)
	if err != nil {
		t.Fatalf("EncodeDict: %v", err)
	}

	d, err := ParseDict(b)
	if err != nil {
		t.Fatalf("ParseDict: %v", err)
	}

	if s, ok := d.AsString("MessageType"); !ok || s != "Connect" {
		t.Errorf("MessageType = %q, %v", s, ok)
	}
	if i, ok := d.AsInt("DeviceID"); !ok || i != 7 {
		t.Errorf("DeviceID = %d, %v", i, ok)
	}
	if i, ok := d.AsInt("PortNumber"); !ok || i != 5632 {
		t.Errorf("PortNumber = %d, %v", i, ok)
	}
}

// TestPortNumberDoubleSwap verifies the byte-swap half of property 6 of
// spec.md §8: applying networkPort twice yields the original port. The
// plist encode/decode round trip of PortNumber is checked separately in
// TestEncodeParseRoundTrip.
func TestPortNumberDoubleSwap(t *testing.T) {
	for _, port := range []uint16{1, 22, 1122, 2000, 65535} {
		swapped := networkPort(port)
		back := networkPort(swapped)
		if back != port {
			t.Errorf("networkPort(networkPort(%d)) = %d, want %d", port, back, port)
		}
	}
}

func TestParseDictNested(t *testing.T) {
	pairs := []Pair{
		{Key: "MessageType", Value: String("Attached")},
		{Key: "Properties", Value: func() Value {
			props := NewDict()
			props.Set("DeviceID", Integer(7))
			props.Set("SerialNumber", String("AAA"))
			props.Set("ConnectionSpeed", Integer(480000000))
			props.Set("ConnectionType", String("USB"))
			props.Set("ProductID", Integer(4776))
			props.Set("LocationID", Integer(338886656))
			return props
		}()},
	}
	b, err := EncodeDict(pairs)
	if err != nil {
		t.Fatalf("EncodeDict: %v", err)
	}
	d, err := ParseDict(b)
	if err != nil {
		t.Fatalf("ParseDict: %v", err)
	}
	props, ok := d.Get("Properties")
	pd, isDict := props.(*Dict)
	if !ok || !isDict {
		t.Fatalf("Properties not a dict: %#v", props)
	}
	if s, ok := pd.AsString("SerialNumber"); !ok || s != "AAA" {
		t.Errorf("SerialNumber = %q, %v", s, ok)
	}
}
