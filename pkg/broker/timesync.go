package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSync tracks the offset between local time and the venue clock.
type TimeSync struct {
	clock        ServerClock
	offset       time.Duration // server - local
	lastSync     time.Time
	syncInterval time.Duration
	mu           sync.RWMutex
}

// NewTimeSync creates a time synchronization manager for clock.
func NewTimeSync(clock ServerClock, interval time.Duration) *TimeSync {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &TimeSync{clock: clock, syncInterval: interval}
}

// Start performs an initial sync and keeps syncing until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("initial time sync failed")
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Warn().Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// Sync measures the offset once, assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now()
	server, err := ts.clock.ServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now()
	local := before.Add(after.Sub(before) / 2)

	ts.mu.Lock()
	ts.offset = server.Sub(local)
	ts.lastSync = after
	ts.mu.Unlock()

	log.Debug().Dur("offset", ts.offset).Msg("venue clock synced")
	return nil
}

// Now returns local time adjusted by the venue offset.
func (ts *TimeSync) Now() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().Add(ts.offset)
}

// Offset returns the current offset.
func (ts *TimeSync) Offset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
