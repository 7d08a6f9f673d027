// Package dispatch drives analysis jobs from submission to a terminal state.
//
// Submit creates a pending job and returns its id at once. Work continues on
// a goroutine owned by the Dispatcher:
//   - wait for a worker slot (bounded by service.max_concurrent_workers)
//   - load the job input; an unreadable input fails the job without spawning
//   - mark the job processing (best-effort; a failed update is only logged)
//   - run the worker profile matching the job kind
//   - normalize the response and commit completed, or commit failed with a
//     message derived from the failure kind and release the input
//
// The terminal commit runs in a deferred block, so every path ends in
// exactly one Complete or Fail call. Failures never reach the submitter; they
// are visible only through the stored job.
package dispatch
