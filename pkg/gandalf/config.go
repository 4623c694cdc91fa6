// Package gandalf implements the forwarding engine, lifecycle controller,
// and status server for the USB-mux TCP relay daemon.
package gandalf

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the daemon's configuration. The env struct tag contains the
// environment variable name and, after "=", its default ("?=" means "only
// if currently unset"). This mirrors the Atlas server's Config.UnmarshalEnv
// convention, trimmed down to the field types this daemon actually needs.
type Config struct {
	// Path to the JSON tunnel mapping file (C4).
	MappingFile string `env:"GANDALF_MAPPING_FILE"`

	// Idle-read timeout applied symmetrically to both directions of every
	// tunnel's byte pump. Zero means no timeout.
	TunnelTimeout time.Duration `env:"GANDALF_TUNNEL_TIMEOUT=0"`

	// Address the read-only status HTTP server binds to. If the port is 0,
	// the status server is disabled.
	StatusAddr netip.AddrPort `env:"GANDALF_STATUS_ADDR=127.0.0.1:0"`

	// Path to the PID file used for single-instance discipline.
	PIDFile string `env:"GANDALF_PID_FILE=/var/run/gandalf.pid"`

	// Path to the mux control socket.
	MuxSocket string `env:"GANDALF_MUX_SOCKET=/var/run/usbmuxd"`

	// Minimum log level.
	LogLevel zerolog.Level `env:"GANDALF_LOG_LEVEL=info"`

	// Whether to log to stdout.
	LogStdout bool `env:"GANDALF_LOG_STDOUT=true"`

	// Whether to use zerolog's pretty console writer instead of JSON lines.
	LogStdoutPretty bool `env:"GANDALF_LOG_STDOUT_PRETTY=false"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment entries into
// c, applying defaults from the env tag for anything not present in es.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "GANDALF_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s: parse %q as bool: %w", key, val, err)
			}
		case time.Duration:
			if val == "" {
				cvf.Set(reflect.ValueOf(time.Duration(0)))
			} else if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as duration: %w", key, val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as log level: %w", key, val, err)
			}
		case netip.AddrPort:
			if v, err := netip.ParseAddrPort(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else if v, err1 := netip.ParseAddrPort("127.0.0.1" + val); err1 == nil && strings.HasPrefix(val, ":") {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as address: %w", key, val, err)
			}
		default:
			return fmt.Errorf("unhandled config field type %T for %s", cvf.Interface(), ctf.Name)
		}
	}

	for key := range em {
		return fmt.Errorf("unknown environment variable %q", key)
	}
	return nil
}
