// Package manager owns the session-manager service layer.
//
// Ownership boundary:
// - session lifecycle handlers (new/run/step/communicate-address)
// - the line-JSON control transport and its failure-to-code mapping
// - the coordinated shutdown sequence over the session registry
//
// The registry itself lives in internal/registry; remote machine transport
// lives in internal/machine.
package manager
