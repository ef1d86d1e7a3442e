// Package paddlehook processes Paddle billing webhook events with
// at-most-once effect semantics on top of Paddle's at-least-once
// delivery. The package verifies webhook signatures, deduplicates
// events through an atomic event ledger, projects event payloads into
// local entity records, and invokes caller-supplied handlers exactly
// once per logical event.
package paddlehook
