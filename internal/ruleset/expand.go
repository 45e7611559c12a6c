package ruleset

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// Family of a kernel rule inside the inet table. FamilyAny rules carry no
// network-layer match.
type Family uint8

const (
	FamilyAny  Family = 0
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

// KernelSetName is the family-specific name of a logical set.
func KernelSetName(name string, f Family) string {
	if f == FamilyIPv6 {
		return name + "6"
	}
	return name + "4"
}

// Match is one kernel rule derived from an Entry. Entries referencing sets
// or ICMP expand into one Match per family; multiple port ranges expand into
// one Match per range. Expansion keeps the entry's verdict, so the first-match
// order of the chain is unchanged.
type Match struct {
	Family    Family
	L4Proto   uint8
	L4Name    string
	IIFName   string
	CtState   string
	SrcSet    string
	DstSet    string
	SrcPrefix netip.Prefix
	DstPrefix netip.Prefix
	DPort     *PortRange
	Verdict   string
	Target    string
	Comment   string
}

// Expand lowers an entry to kernel rules. The entry must be valid.
func Expand(e Entry) []Match {
	src, _ := parseOptPrefix(e.SrcPrefix)
	dst, _ := parseOptPrefix(e.DstPrefix)

	var families []Family
	switch {
	case src.IsValid():
		families = []Family{familyOf(src)}
	case dst.IsValid():
		families = []Family{familyOf(dst)}
	case e.SrcSet != "" || e.DstSet != "" || e.Proto == ProtoICMP:
		families = []Family{FamilyIPv4, FamilyIPv6}
	default:
		families = []Family{FamilyAny}
	}

	ports := make([]*PortRange, 0, len(e.DPorts))
	for i := range e.DPorts {
		ports = append(ports, &e.DPorts[i])
	}
	if len(ports) == 0 {
		ports = append(ports, nil)
	}

	var out []Match
	for _, f := range families {
		for _, p := range ports {
			m := Match{
				Family:    f,
				IIFName:   e.IIFName,
				CtState:   e.CtState,
				SrcPrefix: src,
				DstPrefix: dst,
				DPort:     p,
				Verdict:   e.Verdict,
				Target:    e.Target,
				Comment:   e.Comment,
			}
			if e.SrcSet != "" {
				m.SrcSet = KernelSetName(e.SrcSet, f)
			}
			if e.DstSet != "" {
				m.DstSet = KernelSetName(e.DstSet, f)
			}
			m.L4Proto, m.L4Name = l4proto(e.Proto, f)
			out = append(out, m)
		}
	}
	return out
}

func l4proto(proto string, f Family) (uint8, string) {
	switch proto {
	case ProtoTCP:
		return unix.IPPROTO_TCP, "tcp"
	case ProtoUDP:
		return unix.IPPROTO_UDP, "udp"
	case ProtoICMP:
		if f == FamilyIPv6 {
			return unix.IPPROTO_ICMPV6, "ipv6-icmp"
		}
		return unix.IPPROTO_ICMP, "icmp"
	}
	return 0, ""
}

func familyOf(p netip.Prefix) Family {
	if p.Addr().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

func parseOptPrefix(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	return netip.ParsePrefix(s)
}
