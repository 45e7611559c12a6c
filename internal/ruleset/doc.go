// Package ruleset compiles resolved container policies into one nftables
// ruleset and computes the structural delta between two rulesets.
//
// A [RuleSet] is a plain value: compilation is deterministic (same input,
// byte-identical canonical JSON), and [Diff] never consults the kernel. The
// "current" side of a diff always comes from the persisted applied state.
//
// Layout of a compiled ruleset (table inet <table>):
//
//	chain forward   (hook forward, policy accept)
//	  ip daddr @self_<failclosed>4 jump c_<id>_in     fail-closed containers first
//	  ct state established,related accept
//	  ct state invalid drop
//	  ip daddr @self_<id>4 jump c_<id>_in             one pair per managed container
//	  ip saddr @self_<id>4 jump c_<id>_out
//	chain c_<id>_in / c_<id>_out
//	  declared rules in order, allow = return, deny = drop
//	  drop                                            terminal default deny
//
// Allow compiles to return so the peer container's own chain is still
// consulted; the packet is accepted by the base chain policy only when every
// involved container allowed it.
//
// Address sets are logical here and split per family in the kernel:
// set "ref_x" becomes "ref_x4" (ipv4_addr) and "ref_x6" (ipv6_addr).
package ruleset
