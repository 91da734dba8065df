// Package scheduler coordinates duty-cycled data-collection services on a
// shared timeline.
//
// # Overview
//
// Each registered DataService alternates between collecting (on) and paused
// (off) for fixed durations. The Scheduler keeps a single coalesced timer:
// on every tick it toggles the services whose deadline has passed, fires the
// network transfer trigger, refreshes the survey deadline when it has
// expired, and re-arms the timer for the earliest pending deadline.
//
// # Timing
//
// Every reschedule is floored at MinWake (1s by default), even when a
// deadline is already in the past. With no finite service deadline the
// scheduler still wakes once per Horizon (1h by default) so transfers and
// surveys keep being serviced.
//
// # Concurrency
//
// One mutex guards all state. Handler toggles run synchronously inside the
// tick, so StartCollecting/PauseCollecting must not call back into the
// Scheduler. Stop runs every FinishCollecting concurrently, outside the lock.
package scheduler
