package streambuffer

import (
	"testing"
	"time"
)

func TestHexRoundTrip(t *testing.T) {
	want := []byte{0x00, 0x1f, 0xff, 0xab, 0xcd}
	got, err := hexDecode(hexEncode(want))
	if err != nil {
		t.Fatalf("hexDecode: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("roundtrip mismatch: got %x want %x", got, want)
	}
}

func TestEventFieldsRoundTrip(t *testing.T) {
	ev := StreamEvent{
		TaskID:   "t1",
		Seq:      7,
		Ts:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:     "stdout",
		Payload:  []byte(`{"data":"hi"}`),
		HashPrev: []byte{1, 2, 3},
		HashCurr: []byte{4, 5, 6},
	}
	fields := ev.fields()
	got, err := eventFromFields("1-0", fields)
	if err != nil {
		t.Fatalf("eventFromFields: %v", err)
	}
	if got.TaskID != ev.TaskID || got.Seq != ev.Seq || got.Kind != ev.Kind {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, ev)
	}
	if !got.Ts.Equal(ev.Ts) {
		t.Fatalf("ts mismatch: got %v want %v", got.Ts, ev.Ts)
	}
	if string(got.HashPrev) != string(ev.HashPrev) || string(got.HashCurr) != string(ev.HashCurr) {
		t.Fatalf("hash mismatch")
	}
}

func TestEventFieldsRoundTripNoHashPrev(t *testing.T) {
	ev := StreamEvent{TaskID: "t1", Seq: 0, Ts: time.Now().UTC(), Kind: "started", Payload: []byte(`{}`), HashCurr: []byte{9}}
	got, err := eventFromFields("1-0", ev.fields())
	if err != nil {
		t.Fatalf("eventFromFields: %v", err)
	}
	if got.HashPrev != nil {
		t.Fatalf("expected nil HashPrev for seq 0, got %x", got.HashPrev)
	}
}

func TestExclusiveStart(t *testing.T) {
	cases := map[string]string{
		"0":       "-",
		"":        "-",
		"-":       "-",
		"1000-0":  "(1000-0",
	}
	for in, want := range cases {
		if got := exclusiveStart(in); got != want {
			t.Fatalf("exclusiveStart(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompareStreamIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"0", "1000-0", -1},
		{"1000-0", "1000-0", 0},
		{"1000-1", "1000-0", 1},
		{"999-5", "1000-0", -1},
		{"2000-0", "0", 1},
	}
	for _, tt := range cases {
		if got := compareStreamIDs(tt.a, tt.b); got != tt.want {
			t.Fatalf("compareStreamIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEstimateMissing(t *testing.T) {
	if got := estimateMissing("1000-0", "1000-0"); got != 0 {
		t.Fatalf("expected 0 for equal IDs, got %d", got)
	}
	if got := estimateMissing("1000-0", "1500-0"); got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
}
