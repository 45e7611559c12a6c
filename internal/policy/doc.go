// Package policy turns container labels into normalized firewall rules.
//
// Parsing happens once per container generation ([NewContainer]); resolution
// ([Resolve], [ResolveAll]) expands container references against a registry
// [Snapshot] and is a pure function of its inputs, so it runs concurrently.
//
// Rules are evaluated first-match in declaration order. A container whose
// labels cannot be parsed resolves fail-closed: it is enforced with no
// allowed traffic at all.
package policy
