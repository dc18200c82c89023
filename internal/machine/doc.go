// Package machine owns the manager<->machine-process boundary.
//
// Ownership boundary:
// - wire envelopes for run/step/shutdown exchanges
// - the line-JSON control client used by the manager
// - the mock worker process backing machinectl and transport tests
//
// The manager never assumes anything about what a machine computes; it only
// forwards checkpoint requests and relays summaries and fingerprints.
package machine
