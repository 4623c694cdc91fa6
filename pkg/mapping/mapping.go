// Package mapping loads the tunnel-forwarding rules file: a JSON array of
// per-device forwarding rules, with whole-line "#" comments allowed.
package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Forwarding is a single local_port -> device_port rule.
type Forwarding struct {
	LocalPort  uint16 `json:"local_port"`
	DevicePort uint16 `json:"device_port"`
}

// Rule is one mapping-file entry: a device and the ports to forward to it.
type Rule struct {
	UDID       string       `json:"udid"`
	Name       string       `json:"name,omitempty"`
	Forwarding []Forwarding `json:"forwarding"`
}

// Index maps udid -> Rule, built once per Load and replaced atomically on
// reload by the engine.
type Index map[string]Rule

// FileError reports a problem loading or parsing the mapping file.
type FileError struct {
	Path   string
	Reason string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("mapping file %s: %s", e.Path, e.Reason)
}

// Load reads path, strips '#'-prefixed comment lines, parses the remainder
// as a JSON array of Rule, and returns it keyed by udid.
//
// A later duplicate udid silently overwrites an earlier one — this matches
// the documented behavior of the source tool and is not treated as an
// error. A mapping file containing only comments and blank lines parses to
// an empty, non-error Index.
func Load(path string) (Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Path: path, Reason: err.Error()}
	}

	stripped := stripComments(raw)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return Index{}, nil
	}

	var entries []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(stripped))
	tok, err := dec.Token()
	if err != nil {
		return nil, &FileError{Path: path, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, &FileError{Path: path, Reason: "top level value is not an array"}
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, &FileError{Path: path, Reason: fmt.Sprintf("not valid JSON: %v", err)}
		}
		entries = append(entries, raw)
	}

	idx := make(Index, len(entries))
	for i, raw := range entries {
		rule, err := decodeRule(raw)
		if err != nil {
			return nil, &FileError{Path: path, Reason: fmt.Sprintf("entry %d: %v", i, err)}
		}
		idx[rule.UDID] = rule
	}
	return idx, nil
}

// stripComments drops lines that start with '#' (after left-trimming
// whitespace), then joins the remaining lines back together unchanged.
func stripComments(raw []byte) []byte {
	lines := strings.Split(string(raw), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimLeft(line, " \t\r"), "#") {
			continue
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n"))
}

func decodeRule(raw json.RawMessage) (Rule, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Rule{}, fmt.Errorf("not a JSON object: %w", err)
	}

	udidRaw, ok := obj["udid"]
	if !ok {
		return Rule{}, fmt.Errorf("missing required field %q in %s", "udid", pretty(raw))
	}
	var udid string
	if err := json.Unmarshal(udidRaw, &udid); err != nil {
		return Rule{}, fmt.Errorf("field %q: %w", "udid", err)
	}

	fwdRaw, ok := obj["forwarding"]
	if !ok {
		return Rule{}, fmt.Errorf("missing required field %q in %s", "forwarding", pretty(raw))
	}
	var fwd []Forwarding
	if err := json.Unmarshal(fwdRaw, &fwd); err != nil {
		return Rule{}, fmt.Errorf("field %q: %w", "forwarding", err)
	}
	if len(fwd) == 0 {
		return Rule{}, fmt.Errorf("field %q must be non-empty in %s", "forwarding", pretty(raw))
	}
	for _, f := range fwd {
		if f.LocalPort == 0 || f.DevicePort == 0 {
			return Rule{}, fmt.Errorf("forwarding ports must be in [1,65535] in %s", pretty(raw))
		}
	}

	var name string
	if nameRaw, ok := obj["name"]; ok {
		_ = json.Unmarshal(nameRaw, &name) // tolerate null -> ""
	}

	return Rule{UDID: udid, Name: name, Forwarding: fwd}, nil
}

func pretty(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
