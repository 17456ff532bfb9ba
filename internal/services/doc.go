// Package services holds the shared failure taxonomy for external
// generation providers and the client packages beneath it.
//
// Provider clients never retry internally; they classify each failure so
// callers can decide between retrying (rate limits, provider outages) and
// giving up (invalid requests). The orchestrator surfaces every classified
// failure as a recoverable error without committing any graph state.
package services
