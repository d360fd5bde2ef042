package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

var errUpstream = errors.New("upstream boom")

func failing() error { return errUpstream }
func working() error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	clk := new(mclock.Simulated)
	b := New("test", 3, 300*time.Second, clk)

	for i := 0; i < 2; i++ {
		if err := b.Call(failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: err = %v, want upstream error", i, err)
		}
		if b.IsOpen() {
			t.Fatalf("open after %d failures, want threshold 3", i+1)
		}
	}
	if err := b.Call(failing); !errors.Is(err, errUpstream) {
		t.Fatalf("third call: err = %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreakerRefusesWhileOpen(t *testing.T) {
	clk := new(mclock.Simulated)
	b := New("test", 1, time.Minute, clk)
	b.RecordFailure()

	invoked := false
	err := b.Call(func() error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if invoked {
		t.Fatal("operation invoked while breaker open")
	}
}

func TestBreakerRecoveryProbe(t *testing.T) {
	clk := new(mclock.Simulated)
	b := New("test", 3, 300*time.Second, clk)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	// Not yet: one second before the recovery deadline.
	clk.Run(299 * time.Second)
	if !b.IsOpen() {
		t.Fatal("recovered too early")
	}

	// Past the deadline the read itself moves the breaker to half-open.
	clk.Run(2 * time.Second)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}

	// A successful probe closes it and clears the count.
	if err := b.Call(working); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed", got)
	}
	if got := b.Failures(); got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clk := new(mclock.Simulated)
	b := New("test", 1, time.Minute, clk)

	b.RecordFailure()
	clk.Run(61 * time.Second)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}

	if err := b.Call(failing); !errors.Is(err, errUpstream) {
		t.Fatalf("probe err = %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open after failed probe", got)
	}

	// The recovery clock restarted at the failed probe.
	clk.Run(59 * time.Second)
	if !b.IsOpen() {
		t.Fatal("reopened breaker recovered too early")
	}
	clk.Run(2 * time.Second)
	if b.State() != HalfOpen {
		t.Fatal("reopened breaker should probe again after a full recovery interval")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := New("test", 3, time.Minute, new(mclock.Simulated))
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Fatal("non-consecutive failures must not trip the breaker")
	}
}
