package trigger

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronRunner owns the live cron entries for enabled schedule triggers.
// Missed fire times are skipped by construction: cron only fires while
// the process is up, and on restart the next valid time is computed
// fresh, so a 12-minute outage of a */5 schedule yields one fire at the
// next boundary, not three catch-ups.
type cronRunner struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // trigger id -> live entry
}

func newCronRunner() *cronRunner {
	return &cronRunner{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

func (c *cronRunner) Start() { c.cron.Start() }

// Stop stops firing and waits for in-flight fire callbacks.
func (c *cronRunner) Stop() {
	<-c.cron.Stop().Done()
}

// Register adds a cron entry for the trigger and returns the opaque
// schedule handle plus the next fire time. The trigger's timezone is
// applied per entry via the CRON_TZ spec prefix.
func (c *cronRunner) Register(t *Trigger, fire func()) (handle string, next time.Time, err error) {
	if t.Schedule == nil {
		return "", time.Time{}, fmt.Errorf("trigger %s has no schedule config", t.ID)
	}
	spec := t.Schedule.CronExpr
	if t.Schedule.Timezone != "" {
		spec = "CRON_TZ=" + t.Schedule.Timezone + " " + spec
	}

	entryID, err := c.cron.AddFunc(spec, fire)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("register cron entry: %w", err)
	}

	c.mu.Lock()
	c.entries[t.ID] = entryID
	c.mu.Unlock()

	return strconv.Itoa(int(entryID)), c.cron.Entry(entryID).Next, nil
}

// Remove drops the trigger's live entry if one is registered. Safe to
// call for triggers that never had one.
func (c *cronRunner) Remove(triggerID string) {
	c.mu.Lock()
	entryID, ok := c.entries[triggerID]
	if ok {
		delete(c.entries, triggerID)
	}
	c.mu.Unlock()
	if ok {
		c.cron.Remove(entryID)
	}
}

// Next returns the next fire time for a registered trigger, zero when
// none is registered.
func (c *cronRunner) Next(triggerID string) time.Time {
	c.mu.Lock()
	entryID, ok := c.entries[triggerID]
	c.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return c.cron.Entry(entryID).Next
}
