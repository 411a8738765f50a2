package lifecycle

import (
	"fmt"
	"sync/atomic"
)

// Counters tracks what one worker process did across its lifetime, for
// the summary logged on shutdown. The fields are written from the
// scheduler's single loop goroutine and read from a signal-triggered
// shutdown callback on another goroutine, so they're atomics rather than
// plain ints.
type Counters struct {
	ItemsProcessed   atomic.Int64
	ChangeSetsRepair atomic.Int64
	ConflictsFixed   atomic.Int64
	StaleRefreshed   atomic.Int64
	Failures         atomic.Int64
}

// String renders a one-line summary suitable for a shutdown log line.
func (c *Counters) String() string {
	return fmt.Sprintf(
		"items_processed=%d changesets_repaired=%d conflicts_fixed=%d stale_refreshed=%d failures=%d",
		c.ItemsProcessed.Load(), c.ChangeSetsRepair.Load(), c.ConflictsFixed.Load(),
		c.StaleRefreshed.Load(), c.Failures.Load(),
	)
}
