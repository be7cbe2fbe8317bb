package consultation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSweeper_RunOnce(t *testing.T) {
	f := newFixture(ExpiryPolicy{PendingTTL: time.Minute})
	patient := f.store.addPatient()
	f.store.addDoctor(true)
	s := f.request(t, patient, f.input("fever"))

	f.now = f.now.Add(5 * time.Minute)
	res := NewSweeper(f.svc, time.Second, zerolog.Nop()).RunOnce(context.Background())
	if res.Expired != 1 {
		t.Fatalf("expected 1 expired, got %+v", res)
	}
	got, _ := f.store.GetByID(context.Background(), s.ID)
	if got.Status != StatusCancelled {
		t.Errorf("expected Cancelled, got %s", got.Status)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newFixture(ExpiryPolicy{})
	sw := NewSweeper(f.svc, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	sw := NewSweeper(newFixture(ExpiryPolicy{}).svc, 0, zerolog.Nop())
	if sw.interval != time.Minute {
		t.Errorf("expected 1m default, got %s", sw.interval)
	}
}
