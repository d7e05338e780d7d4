// Package jobmodel holds the domain types shared across adapters, storage
// backends, the catalog store and the job orchestrator: Server, Dataset,
// Job/DownloadChunk/ChangeCheck, and the error-kind taxonomy they all
// classify failures into.
package jobmodel

import "errors"

// Error kinds, not concrete types: every package wraps one of these
// sentinels with errors.Wrap-style context so the orchestrator's retry
// policy can classify a failure with errors.Is.
var (
	// ErrTransientUpstream covers network timeouts, 5xx, 429, remote-close
	// and protocol errors from a provider adapter. Retried inside the
	// adapter first, then once more at the task level.
	ErrTransientUpstream = errors.New("transient upstream error")

	// ErrPermanentUpstream covers any other 4xx and malformed responses.
	// Never retried; surfaces immediately with diagnostic context.
	ErrPermanentUpstream = errors.New("permanent upstream error")

	// ErrCancelled marks a deliberate, cooperative stop. Not a failure:
	// never wraps into ErrTransientUpstream/ErrPermanentUpstream and the
	// job's error field stays nil when this is the terminal cause.
	ErrCancelled = errors.New("cancelled")

	// ErrStorageFailure covers catalog DB, object storage, and external
	// tiling-tool failures.
	ErrStorageFailure = errors.New("storage failure")

	// ErrPolicyViolation covers an unknown provider kind, zero features
	// returned where at least one was required, or a broken invariant.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrConfiguration covers missing environment configuration or an
	// unreachable broker/database at startup.
	ErrConfiguration = errors.New("configuration error")
)

// IsTransient reports whether err should be retried at the task level
// (spec.md §4.8: "transient adapter failures are retried at the task
// level").
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}

// IsCancelled reports whether err represents a deliberate cooperative
// stop rather than a failure (spec.md §4.8/§4.9 failure semantics:
// "Cancelled is not an error").
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
