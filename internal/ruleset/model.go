package ruleset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"

	"grimm.is/harborshield/internal/policy"
)

// PortRange is an inclusive destination port range.
type PortRange = policy.PortRange

// Hook names for base chains.
const (
	HookForward = "forward"
	HookInput   = "input"
)

// Verdicts.
const (
	VerdictAccept = "accept"
	VerdictDrop   = "drop"
	VerdictJump   = "jump"
	VerdictReturn = "return"
)

// Conntrack state matches.
const (
	CtEstablished = "established,related"
	CtInvalid     = "invalid"
)

// Transport protocols understood by Entry.Proto. Empty means any.
const (
	ProtoTCP  = "tcp"
	ProtoUDP  = "udp"
	ProtoICMP = "icmp"
)

// RuleSet is the full compiled content of the daemon's table.
// The zero value is the empty ruleset (no table).
type RuleSet struct {
	Table  string       `json:"table,omitempty"`
	Chains []Chain      `json:"chains,omitempty"`
	Sets   []AddressSet `json:"sets,omitempty"`
}

// Chain is an ordered list of entries. Base chains have a Hook.
type Chain struct {
	Name     string  `json:"name"`
	Hook     string  `json:"hook,omitempty"`
	Priority int     `json:"priority,omitempty"`
	Policy   string  `json:"policy,omitempty"`
	Comment  string  `json:"comment,omitempty"`
	Entries  []Entry `json:"entries,omitempty"`
}

// IsBase reports whether the chain is attached to a netfilter hook.
func (c Chain) IsBase() bool { return c.Hook != "" }

// Header returns the chain without its entries.
func (c Chain) Header() Chain {
	c.Entries = nil
	return c
}

// Entry is one primitive rule. Set and prefix matches on the same side are exclusive.
type Entry struct {
	IIFName   string      `json:"iifname,omitempty"`
	CtState   string      `json:"ct_state,omitempty"`
	Proto     string      `json:"proto,omitempty"`
	DPorts    []PortRange `json:"dports,omitempty"`
	SrcSet    string      `json:"src_set,omitempty"`
	DstSet    string      `json:"dst_set,omitempty"`
	SrcPrefix string      `json:"src_prefix,omitempty"`
	DstPrefix string      `json:"dst_prefix,omitempty"`
	Verdict   string      `json:"verdict"`
	Target    string      `json:"target,omitempty"`
	Comment   string      `json:"comment,omitempty"`
}

func (e Entry) key() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// AddressSet is a named set of host addresses of either family.
type AddressSet struct {
	Name     string       `json:"name"`
	Comment  string       `json:"comment,omitempty"`
	Elements []netip.Addr `json:"elements,omitempty"`
}

// Split returns the IPv4 and IPv6 members.
func (s AddressSet) Split() (v4, v6 []netip.Addr) {
	for _, a := range s.Elements {
		if a.Is4() {
			v4 = append(v4, a)
		} else {
			v6 = append(v6, a)
		}
	}
	return v4, v6
}

func (s AddressSet) equal(o AddressSet) bool {
	return s.Name == o.Name && slices.Equal(s.Elements, o.Elements)
}

// IsEmpty reports whether rs is the empty ruleset.
func (rs RuleSet) IsEmpty() bool {
	return rs.Table == "" && len(rs.Chains) == 0 && len(rs.Sets) == 0
}

// Chain looks up a chain by name.
func (rs RuleSet) Chain(name string) (Chain, bool) {
	for _, c := range rs.Chains {
		if c.Name == name {
			return c, true
		}
	}
	return Chain{}, false
}

// Set looks up a set by name.
func (rs RuleSet) Set(name string) (AddressSet, bool) {
	for _, s := range rs.Sets {
		if s.Name == name {
			return s, true
		}
	}
	return AddressSet{}, false
}

// Canonical returns the canonical JSON encoding. Identical rulesets encode identically.
func (rs RuleSet) Canonical() []byte {
	b, err := json.Marshal(rs)
	if err != nil {
		// Every field is a plain value; Marshal cannot fail.
		panic(fmt.Sprintf("ruleset: marshal: %v", err))
	}
	return b
}

// Fingerprint is the hex SHA-256 of the canonical encoding.
func (rs RuleSet) Fingerprint() string {
	sum := sha256.Sum256(rs.Canonical())
	return hex.EncodeToString(sum[:])
}

// Decode parses a canonical encoding.
func Decode(b []byte) (RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(b, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("decode ruleset: %w", err)
	}
	return rs, nil
}

// Stats summarizes a ruleset for metrics and status output.
type Stats struct {
	Chains   int
	Entries  int
	Sets     int
	Elements int
}

// Stats counts chains, entries, sets and set elements.
func (rs RuleSet) Stats() Stats {
	var st Stats
	st.Chains = len(rs.Chains)
	st.Sets = len(rs.Sets)
	for _, c := range rs.Chains {
		st.Entries += len(c.Entries)
	}
	for _, s := range rs.Sets {
		st.Elements += len(s.Elements)
	}
	return st
}
