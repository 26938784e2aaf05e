package mesh

import (
	"context"
	"testing"
	"time"
)

func TestSupervisorRunStopsWhenContextCancelled(t *testing.T) {
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0"}, RouteMap{})
	sup := NewSupervisor()
	sup.AddListener(l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	_ = waitForAddr(t, l)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Supervisor.Run returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Supervisor.Run did not stop after context cancellation")
	}
}
