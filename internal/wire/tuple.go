// Package wire implements the positional request/response tuples described
// in spec.md §3. Fields are encoded by position with null standing in for
// an absent field, exactly as the original rnsh.py protocol does, so a Go
// listener and a Go client (or a peer running the original implementation)
// agree on wire layout. See DESIGN.md for why positional-with-nulls was
// kept rather than switched to a tagged record.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Request is the ordered tuple a client sends on the "data" path.
// Field order is part of the wire contract; do not reorder.
type Request struct {
	Stdin   []byte  // field 0, base64 on the wire, nil if absent
	Term    *string // field 1
	Termios []byte  // field 2, base64 on the wire
	Rows    *int    // field 3
	Cols    *int    // field 4
	HPixels *int    // field 5
	VPixels *int    // field 6
}

// Response is the ordered tuple the listener returns.
type Response struct {
	Running    bool    // field 0
	ReturnCode *int    // field 1
	ReadyBytes int     // field 2
	Stdout     []byte  // field 3, base64 on the wire, nil if absent
	ServerTime float64 // field 4, unix seconds
}

// MarshalJSON encodes the request as a 7-element positional array.
func (r *Request) MarshalJSON() ([]byte, error) {
	arr := [7]any{nil, nil, nil, nil, nil, nil, nil}
	if len(r.Stdin) > 0 {
		arr[0] = base64.StdEncoding.EncodeToString(r.Stdin)
	}
	if r.Term != nil {
		arr[1] = *r.Term
	}
	if len(r.Termios) > 0 {
		arr[2] = base64.StdEncoding.EncodeToString(r.Termios)
	}
	if r.Rows != nil {
		arr[3] = *r.Rows
	}
	if r.Cols != nil {
		arr[4] = *r.Cols
	}
	if r.HPixels != nil {
		arr[5] = *r.HPixels
	}
	if r.VPixels != nil {
		arr[6] = *r.VPixels
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes a 7-element positional array. A request that is
// malformed in a recoverable way (too few elements, wrong-typed elements)
// decodes conservatively: the affected field is left absent rather than
// returning an error, per spec.md §7 ("listener treats a malformed request
// conservatively"). Only a structurally invalid payload (not a JSON array
// at all) is an error.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode request: not a tuple: %w", err)
	}
	*r = Request{}
	get := func(i int) json.RawMessage {
		if i < len(raw) {
			return raw[i]
		}
		return nil
	}
	if b, ok := decodeOptionalString(get(0)); ok {
		if decoded, err := base64.StdEncoding.DecodeString(b); err == nil {
			r.Stdin = decoded
		}
	}
	if s, ok := decodeOptionalString(get(1)); ok {
		r.Term = &s
	}
	if b, ok := decodeOptionalString(get(2)); ok {
		if decoded, err := base64.StdEncoding.DecodeString(b); err == nil {
			r.Termios = decoded
		}
	}
	if n, ok := decodeOptionalInt(get(3)); ok {
		r.Rows = &n
	}
	if n, ok := decodeOptionalInt(get(4)); ok {
		r.Cols = &n
	}
	if n, ok := decodeOptionalInt(get(5)); ok {
		r.HPixels = &n
	}
	if n, ok := decodeOptionalInt(get(6)); ok {
		r.VPixels = &n
	}
	return nil
}

// MarshalJSON encodes the response as a 5-element positional array.
func (resp *Response) MarshalJSON() ([]byte, error) {
	arr := [5]any{resp.Running, nil, resp.ReadyBytes, nil, resp.ServerTime}
	if resp.ReturnCode != nil {
		arr[1] = *resp.ReturnCode
	}
	if len(resp.Stdout) > 0 {
		arr[3] = base64.StdEncoding.EncodeToString(resp.Stdout)
	}
	return json.Marshal(arr)
}

// UnmarshalJSON decodes a 5-element positional array. Malformed responses
// are a client-side error (spec.md §7: "malformed response fields cause a
// remote-execution error"), unlike the listener's permissive request
// decoding.
func (resp *Response) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode response: not a tuple: %w", err)
	}
	if len(raw) < 5 {
		return fmt.Errorf("decode response: expected 5 fields, got %d", len(raw))
	}
	*resp = Response{}
	if err := json.Unmarshal(raw[0], &resp.Running); err != nil {
		return fmt.Errorf("decode response field 0 (running): %w", err)
	}
	if n, ok := decodeOptionalInt(raw[1]); ok {
		resp.ReturnCode = &n
	}
	if err := json.Unmarshal(raw[2], &resp.ReadyBytes); err != nil {
		return fmt.Errorf("decode response field 2 (ready_bytes): %w", err)
	}
	if b, ok := decodeOptionalString(raw[3]); ok {
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return fmt.Errorf("decode response field 3 (stdout): %w", err)
		}
		resp.Stdout = decoded
	}
	if err := json.Unmarshal(raw[4], &resp.ServerTime); err != nil {
		return fmt.Errorf("decode response field 4 (server timestamp): %w", err)
	}
	return nil
}

// Now stamps a response's server-timestamp field.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func decodeOptionalString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func decodeOptionalInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}
