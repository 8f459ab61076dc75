// Package dispatch sends diagnostic jobs to probe agents and correlates
// their asynchronous results.
//
// # Modes
//
// Dispatch waits for the result up to a bound (interactive or scheduled
// timeout, or the request's own). Submit and SubmitTo return immediately; the
// correlator persists the record when the result arrives and a reclaim timer
// drops the entry if it never does.
//
// # Settlement
//
// Every pending entry is removed exactly once, by whichever of the result,
// the timeout, the caller's context or Close gets to it first. Results for
// entries that are already gone are classified through the settled-job
// cache as late, duplicate or unknown, counted and dropped.
package dispatch
