package persistence

import (
	"context"

	"digit-trader/internal/events"
	"digit-trader/internal/market"
	"digit-trader/pkg/db"
)

// TickArchiver copies every published tick into the ticks table.
type TickArchiver struct {
	bus    *events.Bus
	writer *BatchWriter
}

// NewTickArchiver archives ticks from bus through writer.
func NewTickArchiver(bus *events.Bus, writer *BatchWriter) *TickArchiver {
	return &TickArchiver{bus: bus, writer: writer}
}

// Run consumes ticks until ctx ends.
func (a *TickArchiver) Run(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(events.EventPriceTick, 1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			t, ok := ev.(market.Tick)
			if !ok {
				continue
			}
			a.writer.WriteQuery(db.InsertTickSQL, db.TickArgs(db.TickRecord{
				Symbol: t.Symbol, Time: t.Time, Price: t.Price, Digit: t.Digit,
			})...)
		}
	}
}
