package netmon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeProber flips reachability from a test.
type fakeProber struct {
	reachable atomic.Bool
}

func (f *fakeProber) Probe(ctx context.Context) error {
	if f.reachable.Load() {
		return nil
	}
	return errors.New("unreachable")
}

func newTestMonitor(t *testing.T, debounce time.Duration) (*Monitor, *fakeProber) {
	t.Helper()
	prober := &fakeProber{}
	m := NewMonitor(prober, Config{Interval: time.Second, Debounce: debounce}, zaptest.NewLogger(t))
	return m, prober
}

func TestMonitor_StableTransitionFiresOnce(t *testing.T) {
	m, _ := newTestMonitor(t, 100*time.Millisecond)
	edges := m.Subscribe()

	base := time.Now()
	// Offline at rest; server becomes reachable and stays reachable.
	m.observe(true, base)
	m.observe(true, base.Add(50*time.Millisecond))
	m.observe(true, base.Add(150*time.Millisecond))
	m.observe(true, base.Add(250*time.Millisecond))

	if !m.IsOnline() {
		t.Fatal("expected monitor online after stable readings")
	}

	select {
	case online := <-edges:
		if !online {
			t.Error("expected an online edge")
		}
	default:
		t.Fatal("expected one edge notification")
	}
	select {
	case <-edges:
		t.Error("expected exactly one edge, got a second")
	default:
	}
}

func TestMonitor_FlapIsDebounced(t *testing.T) {
	m, _ := newTestMonitor(t, 200*time.Millisecond)
	edges := m.Subscribe()

	base := time.Now()
	// Online→offline→online flap well inside the debounce window.
	m.observe(true, base)
	m.observe(true, base.Add(250*time.Millisecond)) // confirmed online
	<-edges

	m.observe(false, base.Add(300*time.Millisecond))
	m.observe(false, base.Add(350*time.Millisecond)) // held only 50ms
	m.observe(true, base.Add(400*time.Millisecond))  // recovered
	m.observe(true, base.Add(700*time.Millisecond))

	if !m.IsOnline() {
		t.Error("expected monitor still online after a short flap")
	}
	select {
	case online := <-edges:
		t.Errorf("expected no edge for a sub-debounce flap, got %v", online)
	default:
	}
}

func TestMonitor_OfflineTransition(t *testing.T) {
	m, _ := newTestMonitor(t, 100*time.Millisecond)

	base := time.Now()
	m.observe(true, base)
	m.observe(true, base.Add(150*time.Millisecond))
	if !m.IsOnline() {
		t.Fatal("expected online")
	}

	edges := m.Subscribe()
	m.observe(false, base.Add(200*time.Millisecond))
	m.observe(false, base.Add(350*time.Millisecond))

	if m.IsOnline() {
		t.Error("expected offline after stable failures")
	}
	select {
	case online := <-edges:
		if online {
			t.Error("expected an offline edge")
		}
	default:
		t.Fatal("expected an offline edge notification")
	}
}

func TestMonitor_StartSeedsStateWithoutDebounce(t *testing.T) {
	m, prober := newTestMonitor(t, time.Hour)
	prober.reachable.Store(true)

	m.Start(context.Background())
	defer m.Stop()

	if !m.IsOnline() {
		t.Error("expected the initial probe to seed the online state directly")
	}
}
