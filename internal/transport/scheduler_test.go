package transport_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/radio"
	"github.com/meshcitadel/meshcitadel/internal/transport"
)

type advertDevice struct {
	radio.Device
	mu    sync.Mutex
	sends int
}

func (d *advertDevice) SendAdvert(context.Context, bool) (*radio.Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends++
	return &radio.Reply{Type: radio.ReplyOK}, nil
}

func (d *advertDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}

func TestAdvertSchedulerPeriod(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dev := &advertDevice{}
		sched := transport.NewAdvertScheduler(dev, 6*time.Hour, true, slog.Default())

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan struct{})
		go func() {
			defer close(done)
			sched.Run(ctx)
		}()

		synctest.Wait()
		if dev.count() != 1 {
			t.Errorf("startup adverts = %d, want 1", dev.count())
		}

		time.Sleep(12*time.Hour + time.Minute)
		synctest.Wait()
		if dev.count() != 3 {
			t.Errorf("adverts after 12h = %d, want 3", dev.count())
		}

		cancel()
		<-done
	})
}

func TestWatchdogFiresOnSilence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var mu sync.Mutex
		fired := 0
		wd := transport.NewWatchdog(time.Minute, func() {
			mu.Lock()
			fired++
			mu.Unlock()
		}, slog.Default())

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan struct{})
		go func() {
			defer close(done)
			wd.Run(ctx)
		}()

		// Regular feeding keeps it quiet.
		for i := 0; i < 5; i++ {
			time.Sleep(30 * time.Second)
			wd.Feed()
		}
		synctest.Wait()
		mu.Lock()
		quiet := fired
		mu.Unlock()
		if quiet != 0 {
			t.Errorf("fired %d times while fed", quiet)
		}

		// Silence trips it, and it keeps watching afterwards.
		time.Sleep(2*time.Minute + time.Second)
		synctest.Wait()
		mu.Lock()
		tripped := fired
		mu.Unlock()
		if tripped < 2 {
			t.Errorf("fired %d times after silence, want >= 2", tripped)
		}

		cancel()
		<-done
	})
}

func TestWatchdogFeedNeverBlocks(t *testing.T) {
	wd := transport.NewWatchdog(time.Minute, func() {}, slog.Default())
	// No Run loop draining; repeated feeds must still return.
	for i := 0; i < 100; i++ {
		wd.Feed()
	}
}
