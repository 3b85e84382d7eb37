package processor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	rrwebFullSnapshot  = 2
	rrwebIncremental   = 3
	maxBundleInflation = 64 << 20
)

// DecodeBundle decodes a replay bundle: base64 of gzip-compressed JSON, or
// plain base64 JSON. Anything undecodable yields no events.
func DecodeBundle(encoded string) []json.RawMessage {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}

	if zr, err := gzip.NewReader(bytes.NewReader(raw)); err == nil {
		inflated, err := io.ReadAll(io.LimitReader(zr, maxBundleInflation))
		_ = zr.Close()
		if err == nil {
			if events, ok := parseEvents(inflated); ok {
				return events
			}
		}
	}

	events, _ := parseEvents(raw)
	return events
}

func parseEvents(data []byte) ([]json.RawMessage, bool) {
	var events []json.RawMessage
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, false
	}
	return events, true
}

// bundleType is 2 when the bundle starts with a full snapshot, 3 otherwise.
func bundleType(events []json.RawMessage) int {
	if len(events) == 0 {
		return rrwebIncremental
	}
	var first struct {
		Type int `json:"type"`
	}
	if err := json.Unmarshal(events[0], &first); err == nil && first.Type == rrwebFullSnapshot {
		return rrwebFullSnapshot
	}
	return rrwebIncremental
}
