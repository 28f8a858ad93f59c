package wire

import (
	"encoding/json"
	"testing"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

// TestRequestRoundTrip exercises P5: serialize then deserialize yields
// fields whose non-null entries are bit-identical to the originals.
func TestRequestRoundTrip(t *testing.T) {
	cases := []*Request{
		{},
		{Stdin: []byte("hello\n")},
		{
			Stdin:   []byte("ABCDE\n"),
			Term:    strPtr("xterm-256color"),
			Termios: []byte{1, 2, 3, 4, 5},
			Rows:    intPtr(40),
			Cols:    intPtr(120),
			HPixels: intPtr(960),
			VPixels: intPtr(600),
		},
	}
	for i, want := range cases {
		data, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("case %d: marshal: %v", i, err)
		}
		var got Request
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("case %d: unmarshal: %v", i, err)
		}
		if string(got.Stdin) != string(want.Stdin) {
			t.Errorf("case %d: stdin = %q, want %q", i, got.Stdin, want.Stdin)
		}
		if (got.Term == nil) != (want.Term == nil) || (got.Term != nil && *got.Term != *want.Term) {
			t.Errorf("case %d: term mismatch", i)
		}
		if string(got.Termios) != string(want.Termios) {
			t.Errorf("case %d: termios mismatch", i)
		}
		for _, pair := range []struct {
			name      string
			got, want *int
		}{
			{"rows", got.Rows, want.Rows},
			{"cols", got.Cols, want.Cols},
			{"hpixels", got.HPixels, want.HPixels},
			{"vpixels", got.VPixels, want.VPixels},
		} {
			if (pair.got == nil) != (pair.want == nil) {
				t.Errorf("case %d: %s presence mismatch", i, pair.name)
				continue
			}
			if pair.got != nil && *pair.got != *pair.want {
				t.Errorf("case %d: %s = %d, want %d", i, pair.name, *pair.got, *pair.want)
			}
		}
	}
}

func TestRequestMalformedDecodesConservatively(t *testing.T) {
	var r Request
	if err := json.Unmarshal([]byte(`["not-base64!!", 5, null, "abc"]`), &r); err != nil {
		t.Fatalf("malformed request should decode without error, got: %v", err)
	}
	if r.Term != nil {
		t.Errorf("field 1 should be absent when it isn't a string, got %v", *r.Term)
	}
	if r.Rows != nil {
		t.Errorf("field 3 should be absent when it isn't a number, got %v", *r.Rows)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := &Response{
		Running:    true,
		ReturnCode: nil,
		ReadyBytes: 42,
		Stdout:     []byte("hello\n"),
		ServerTime: Now(),
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Response
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Running != want.Running {
		t.Errorf("running = %v, want %v", got.Running, want.Running)
	}
	if string(got.Stdout) != string(want.Stdout) {
		t.Errorf("stdout = %q, want %q", got.Stdout, want.Stdout)
	}
	if got.ReadyBytes != want.ReadyBytes {
		t.Errorf("ready_bytes = %d, want %d", got.ReadyBytes, want.ReadyBytes)
	}
}

func TestResponseReturnCodeZeroIsNotAbsent(t *testing.T) {
	want := &Response{Running: false, ReturnCode: intPtr(0), ReadyBytes: 0}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Response
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ReturnCode == nil {
		t.Fatalf("return_code should be present (0), got absent")
	}
	if *got.ReturnCode != 0 {
		t.Errorf("return_code = %d, want 0", *got.ReturnCode)
	}
}

func TestResponseRejectsTooFewFields(t *testing.T) {
	var r Response
	if err := json.Unmarshal([]byte(`[true, null]`), &r); err == nil {
		t.Fatalf("expected error decoding truncated response tuple")
	}
}
