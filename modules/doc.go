// Package modules hosts business module subpackages. It intentionally
// contains no production runtime code itself; this file exists to satisfy
// tooling (go vet, import guards) for the architectural tests that live
// alongside it.
//
// Modules declare models, computed fields, and constraints through
// erpcore/internal/core and operate on records exclusively through
// Environments and RecordSets. They must never touch a persistence backend
// or the raw storage contract directly; the architecture test in this
// directory enforces that boundary.
package modules
