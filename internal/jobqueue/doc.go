// Package jobqueue admits chat commands into a bounded queue and runs them on
// a single background worker.
//
// Admission (Manager.Add) is synchronous and never blocks: a request is
// checked against per-guild limits, registered as a PendingJob and pushed onto
// the dispatch queue, or rejected with an Outcome whose Message can be shown to
// the user as-is.
//
// Only a plain-data Payload crosses into the worker. The richer result
// context (the front end's Domain and the Deliver callback) stays in the
// Registry and is looked up again when the job finishes. The worker then posts
// the Result back through Domain.Post so Deliver always runs on the front
// end's side.
//
// A requester's slot is released only after the job body returned, so a
// resubmission from the same requester is rejected until the first job is
// fully done.
//
// Flush discards everything still queued. Discarded jobs free their slots and
// their callers receive a failed Result wrapping ErrFlushed.
package jobqueue
