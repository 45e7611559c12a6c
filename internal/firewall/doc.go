// Package firewall programs compiled rulesets into the kernel.
//
// # Overview
//
// An [Applier] takes a [ruleset.Delta] and commits it as one nftables
// transaction. On Linux, [NFTApplier] stages every operation on a single
// netlink connection and calls Flush once: the kernel either accepts the
// whole batch or discards it.
//
//	Delta → batch (tables, sets, chains, rules) → Flush → Kernel
//
// # Operations
//
// Every operation is safe to repeat against a kernel that already holds
// some or all of its effect:
//
//   - reset-table: add, delete, add the table
//   - set-replace: add the set, flush it, add the elements
//   - chain-replace: add the chain, flush it, add every rule
//   - removals: add the object, then delete it
//
// Logical address sets are split per family in the kernel (<name>4 holds
// ipv4_addr, <name>6 holds ipv6_addr) and rules that reference them are
// expanded per family by [ruleset.Expand].
//
// # Errors
//
// Failures are returned as [*ApplyError]. Rejected batches are retried by
// the caller, Unreachable means the netlink socket could not be used, and
// Exhausted (ENOMEM, ENOBUFS) is fatal.
//
// # Testing
//
// [NFTablesConn] abstracts the netlink connection; [MockNFTablesConn]
// models kernel transactions in memory. [FakeApplier] interprets deltas
// without a kernel for higher level tests.
package firewall
