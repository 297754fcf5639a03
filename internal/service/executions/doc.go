// Package executions implements the execution state machine for pipeline runs.
//
// States:
//   - pending -> running | cancelled | failed
//   - running -> completed | failed | cancelled
//
// completed, failed and cancelled are terminal and never change again.
// pending -> failed covers executions that could not be dispatched and
// executions interrupted by an engine restart.
//
// Each execution runs as a single task on the coordinator's worker pool, and
// that task is the only writer of the row once it is running. Steps run in
// order. After every step the outcome is persisted first, then usage, then
// the advanced step cursor and context, so a reader never sees a later
// step's effect before an earlier one's.
//
// Cancellation is cooperative: Cancel flags a running execution and the task
// checks the flag between steps. A step already in flight is allowed to
// finish. A pending execution is cancelled directly.
package executions
