package mesh

import "testing"

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff()

	if d := b.Next(); d != backoffStart {
		t.Fatalf("first Next() = %v, want %v", d, backoffStart)
	}
	if d := b.Next(); d != 2*backoffStart {
		t.Fatalf("second Next() = %v, want %v", d, 2*backoffStart)
	}
	if d := b.Next(); d != 4*backoffStart {
		t.Fatalf("third Next() = %v, want %v", d, 4*backoffStart)
	}

	for i := 0; i < 20; i++ {
		b.Next()
	}
	if d := b.Next(); d != backoffCap {
		t.Fatalf("Next() after many calls = %v, want capped at %v", d, backoffCap)
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff()
	b.Next()
	b.Next()
	b.Reset()
	if d := b.Next(); d != backoffStart {
		t.Fatalf("Next() after Reset() = %v, want %v", d, backoffStart)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Offline:          "offline",
		Connecting:       "connecting",
		HelloExchange:    "hello-exchange",
		Encrypted:        "encrypted",
		Plain:            "plain",
		ReplayingHistory: "replaying-history",
		Live:             "live",
		State(99):        "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
