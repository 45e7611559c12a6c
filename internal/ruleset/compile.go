package ruleset

import (
	"fmt"
	"net/netip"
	"sort"
	"unicode/utf8"

	"grimm.is/harborshield/internal/policy"
)

// RootChain is the forward base chain that dispatches to container chains.
const RootChain = "forward"

// InputChain only exists in the fail-closed fallback.
const InputChain = "input"

const maxCommentLen = 120

// Options control compilation.
type Options struct {
	Table string
}

// SelfSetName names the set holding a container's own addresses.
func SelfSetName(containerID string) string {
	return "self_" + policy.ShortID(containerID)
}

// InChainName names a container's inbound chain.
func InChainName(containerID string) string {
	return "c_" + policy.ShortID(containerID) + "_in"
}

// OutChainName names a container's outbound chain.
func OutChainName(containerID string) string {
	return "c_" + policy.ShortID(containerID) + "_out"
}

// Compile merges resolved policies into one ruleset. Input order does not
// matter: containers are ordered by ID so equal inputs compile identically.
func Compile(policies []policy.ResolvedPolicy, opts Options) RuleSet {
	ps := make([]policy.ResolvedPolicy, len(policies))
	copy(ps, policies)
	sort.Slice(ps, func(i, j int) bool { return ps[i].ContainerID < ps[j].ContainerID })

	rs := RuleSet{Table: opts.Table}
	root := Chain{
		Name:     RootChain,
		Hook:     HookForward,
		Priority: 0,
		Policy:   VerdictAccept,
		Comment:  "container dispatch",
	}

	sets := map[string]AddressSet{}
	var containerChains []Chain

	// Fail-closed containers are dispatched ahead of conntrack so even
	// established flows stop.
	for _, p := range ps {
		if p.FailClosed {
			root.Entries = append(root.Entries, dispatch(p)...)
		}
	}
	root.Entries = append(root.Entries,
		Entry{CtState: CtEstablished, Verdict: VerdictAccept},
		Entry{CtState: CtInvalid, Verdict: VerdictDrop},
	)
	for _, p := range ps {
		if !p.FailClosed {
			root.Entries = append(root.Entries, dispatch(p)...)
		}
	}

	for _, p := range ps {
		self := SelfSetName(p.ContainerID)
		sets[self] = AddressSet{
			Name:     self,
			Comment:  truncate(p.ContainerName),
			Elements: cloneAddrs(p.Self),
		}

		in := Chain{Name: InChainName(p.ContainerID), Comment: truncate(p.ContainerName + " inbound")}
		out := Chain{Name: OutChainName(p.ContainerID), Comment: truncate(p.ContainerName + " outbound")}

		if p.FailClosed {
			reason := truncate("fail-closed: " + p.Reason)
			in.Entries = append(in.Entries, Entry{Verdict: VerdictDrop, Comment: reason})
			out.Entries = append(out.Entries, Entry{Verdict: VerdictDrop, Comment: reason})
		} else {
			for i, r := range p.Rules {
				e := ruleEntry(r)
				e.Comment = truncate(fmt.Sprintf("#%d %s", i+1, r.Rule))
				if r.Direction == policy.Outbound {
					out.Entries = append(out.Entries, e)
				} else {
					in.Entries = append(in.Entries, e)
				}
				if r.PeerSet != "" {
					if _, ok := sets[r.PeerSet]; !ok {
						sets[r.PeerSet] = AddressSet{
							Name:     r.PeerSet,
							Comment:  truncate(r.Peer.String()),
							Elements: cloneAddrs(r.PeerAddrs),
						}
					}
				}
			}
			in.Entries = append(in.Entries, Entry{Verdict: VerdictDrop, Comment: "default deny"})
			out.Entries = append(out.Entries, Entry{Verdict: VerdictDrop, Comment: "default deny"})
		}
		containerChains = append(containerChains, in, out)
	}

	sort.Slice(containerChains, func(i, j int) bool { return containerChains[i].Name < containerChains[j].Name })
	rs.Chains = append([]Chain{root}, containerChains...)

	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rs.Sets = append(rs.Sets, sets[name])
	}
	return rs
}

func dispatch(p policy.ResolvedPolicy) []Entry {
	self := SelfSetName(p.ContainerID)
	return []Entry{
		{DstSet: self, Verdict: VerdictJump, Target: InChainName(p.ContainerID), Comment: truncate(p.ContainerName)},
		{SrcSet: self, Verdict: VerdictJump, Target: OutChainName(p.ContainerID), Comment: truncate(p.ContainerName)},
	}
}

func ruleEntry(r policy.ResolvedRule) Entry {
	e := Entry{Verdict: VerdictReturn}
	if r.Action == policy.Deny {
		e.Verdict = VerdictDrop
	}

	switch r.Protocol {
	case policy.ProtoTCP:
		e.Proto = ProtoTCP
	case policy.ProtoUDP:
		e.Proto = ProtoUDP
	case policy.ProtoICMP:
		e.Proto = ProtoICMP
	}
	if len(r.Ports) > 0 {
		e.DPorts = append([]PortRange(nil), r.Ports...)
	}

	// The peer is the source of inbound traffic and the destination of outbound.
	var setName, prefix string
	switch r.Peer.Kind {
	case policy.PeerCIDR:
		prefix = r.Peer.Prefix.String()
	case policy.PeerContainer:
		setName = r.PeerSet
	}
	if r.Direction == policy.Outbound {
		e.DstSet, e.DstPrefix = setName, prefix
	} else {
		e.SrcSet, e.SrcPrefix = setName, prefix
	}
	return e
}

// FallbackOptions configure the fail-closed ruleset.
type FallbackOptions struct {
	Table      string
	HealthPort uint16
}

// Fallback is the fail-closed ruleset: forwarding is dropped entirely and
// the host only accepts loopback, established flows, and the health port.
func Fallback(opts FallbackOptions) RuleSet {
	input := Chain{
		Name:    InputChain,
		Hook:    HookInput,
		Policy:  VerdictDrop,
		Comment: "fail-closed",
		Entries: []Entry{
			{IIFName: "lo", Verdict: VerdictAccept},
			{CtState: CtEstablished, Verdict: VerdictAccept},
		},
	}
	if opts.HealthPort != 0 {
		input.Entries = append(input.Entries, Entry{
			Proto:   ProtoTCP,
			DPorts:  []PortRange{{Low: opts.HealthPort, High: opts.HealthPort}},
			Verdict: VerdictAccept,
			Comment: "health endpoint",
		})
	}
	return RuleSet{
		Table: opts.Table,
		Chains: []Chain{
			{Name: RootChain, Hook: HookForward, Policy: VerdictDrop, Comment: "fail-closed"},
			input,
		},
	}
}

// IsFallback reports whether rs has the shape produced by Fallback.
func (rs RuleSet) IsFallback() bool {
	c, ok := rs.Chain(InputChain)
	return ok && c.Hook == HookInput && c.Policy == VerdictDrop
}

func cloneAddrs(in []netip.Addr) []netip.Addr {
	if len(in) == 0 {
		return nil
	}
	return append([]netip.Addr(nil), in...)
}

// truncate cuts s to at most maxCommentLen bytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxCommentLen {
		return s
	}
	cut := maxCommentLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
