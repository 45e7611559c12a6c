package ruleset

import (
	"fmt"
	"net/netip"
	"strings"
)

// Family used for the daemon's table.
const TableFamily = "inet"

// Render prints rs as an nft script that recreates it from scratch.
func Render(rs RuleSet) string {
	if rs.Table == "" {
		return ""
	}
	sb := NewScriptBuilder(rs.Table, TableFamily)
	sb.AddTable()
	for _, s := range rs.Sets {
		renderSet(sb, s)
	}
	for _, c := range rs.Chains {
		sb.AddChain(c.Name, c.Hook, c.Priority, c.Policy, c.Comment)
	}
	for _, c := range rs.Chains {
		for _, e := range c.Entries {
			for _, m := range Expand(e) {
				sb.AddRule(c.Name, MatchExpr(m), m.Comment)
			}
		}
	}
	return sb.Build()
}

// RenderDelta prints the delta as the nft commands the applier stages in one
// batch. Rule operations are shown as the chain replacement they become.
func RenderDelta(d Delta) string {
	if d.Empty() {
		return ""
	}
	sb := NewScriptBuilder(d.Table, TableFamily)
	replaced := map[string]bool{}
	for _, op := range d.Ops {
		switch op.Kind {
		case OpRemoveTable:
			sb.AddLine(fmt.Sprintf("delete table %s %s", TableFamily, op.Table))
		case OpResetTable:
			sb.AddTable()
			sb.DeleteTable()
			sb.AddTable()
		case OpAddSet, OpUpdateSet:
			renderSet(sb, *op.Set)
		case OpAddChain:
			sb.AddChain(op.Chain.Name, op.Chain.Hook, op.Chain.Priority, op.Chain.Policy, op.Chain.Comment)
		case OpRemoveRule, OpAddRule:
			if replaced[op.Chain.Name] {
				continue
			}
			replaced[op.Chain.Name] = true
			sb.FlushChain(op.Chain.Name)
			for _, e := range op.Chain.Entries {
				for _, m := range Expand(e) {
					sb.AddRule(op.Chain.Name, MatchExpr(m), m.Comment)
				}
			}
		case OpRemoveChain:
			sb.FlushChain(op.Chain.Name)
			sb.DeleteChain(op.Chain.Name)
		case OpRemoveSet:
			for _, f := range []Family{FamilyIPv4, FamilyIPv6} {
				sb.DeleteSet(KernelSetName(op.Set.Name, f))
			}
		}
	}
	return sb.Build()
}

func renderSet(sb *ScriptBuilder, s AddressSet) {
	v4, v6 := s.Split()
	for _, f := range []Family{FamilyIPv4, FamilyIPv6} {
		name := KernelSetName(s.Name, f)
		typ, elems := "ipv4_addr", v4
		if f == FamilyIPv6 {
			typ, elems = "ipv6_addr", v6
		}
		sb.AddSet(name, typ, s.Comment)
		sb.FlushSet(name)
		sb.AddSetElements(name, addrStrings(elems))
	}
}

// MatchExpr renders one kernel rule in nft syntax, without comment.
func MatchExpr(m Match) string {
	var parts []string
	if m.IIFName != "" {
		parts = append(parts, fmt.Sprintf("iifname %q", m.IIFName))
	}
	l3 := "ip"
	if m.Family == FamilyIPv6 {
		l3 = "ip6"
	}
	if m.SrcSet != "" {
		parts = append(parts, fmt.Sprintf("%s saddr @%s", l3, m.SrcSet))
	}
	if m.SrcPrefix.IsValid() {
		parts = append(parts, fmt.Sprintf("%s saddr %s", l3, prefixString(m.SrcPrefix)))
	}
	if m.DstSet != "" {
		parts = append(parts, fmt.Sprintf("%s daddr @%s", l3, m.DstSet))
	}
	if m.DstPrefix.IsValid() {
		parts = append(parts, fmt.Sprintf("%s daddr %s", l3, prefixString(m.DstPrefix)))
	}
	if m.CtState != "" {
		parts = append(parts, "ct state "+m.CtState)
	}
	if m.L4Name != "" {
		if m.DPort != nil {
			parts = append(parts, fmt.Sprintf("%s dport %s", m.L4Name, m.DPort))
		} else {
			parts = append(parts, "meta l4proto "+m.L4Name)
		}
	}
	if m.Verdict == VerdictJump {
		parts = append(parts, "jump "+quote(m.Target))
	} else {
		parts = append(parts, m.Verdict)
	}
	return strings.Join(parts, " ")
}

func prefixString(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().String()
	}
	return p.String()
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
