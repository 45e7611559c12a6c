package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Label suffixes appended to the configured prefix.
const (
	LabelEnabled = "enabled"
	LabelRules   = "rules"
)

type ruleDoc struct {
	Direction string      `yaml:"direction"`
	Proto     string      `yaml:"proto"`
	Ports     []portValue `yaml:"ports"`
	Peer      *peerDoc    `yaml:"peer"`
	Action    string      `yaml:"action"`
}

type peerDoc struct {
	Any       bool   `yaml:"any"`
	CIDR      string `yaml:"cidr"`
	Container string `yaml:"container"`
	Label     string `yaml:"label"`
}

// portValue accepts both `80` and `"8000-8080"`.
type portValue string

func (p *portValue) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*p = portValue(strconv.Itoa(v))
	case string:
		*p = portValue(v)
	default:
		return fmt.Errorf("port must be a number or range string, got %T", raw)
	}
	return nil
}

// Parse reads the policy labels under prefix. Containers without any policy
// label are unmanaged. An explicit enabled=false wins over present rules.
//
// On error the returned Policy is still Managed so callers enforce it fail-closed.
func Parse(labels map[string]string, prefix string) (Policy, error) {
	enabledKey := prefix + "." + LabelEnabled
	rulesKey := prefix + "." + LabelRules

	enabledRaw, hasEnabled := labels[enabledKey]
	rulesRaw, hasRules := labels[rulesKey]

	if hasEnabled {
		enabled, err := strconv.ParseBool(strings.TrimSpace(enabledRaw))
		if err != nil {
			return Policy{Managed: true}, malformed("%s: %q is not a boolean", enabledKey, enabledRaw)
		}
		if !enabled {
			return Policy{}, nil
		}
	} else if !hasRules {
		return Policy{}, nil
	}

	p := Policy{Managed: true}
	if strings.TrimSpace(rulesRaw) == "" {
		return p, nil
	}

	var docs []ruleDoc
	if err := yaml.UnmarshalStrict([]byte(rulesRaw), &docs); err != nil {
		return Policy{Managed: true}, malformed("%s: %v", rulesKey, err)
	}

	for i, d := range docs {
		r, err := d.rule()
		if err != nil {
			err.Reason = fmt.Sprintf("%s[%d]: %s", rulesKey, i, err.Reason)
			return Policy{Managed: true}, err
		}
		p.Rules = append(p.Rules, r)
	}
	return p, nil
}

func (d ruleDoc) rule() (Rule, *PolicyError) {
	r := Rule{Direction: Inbound, Protocol: ProtoAny, Peer: AnyPeer()}

	switch strings.ToLower(strings.TrimSpace(d.Direction)) {
	case "", "inbound", "in", "ingress":
		r.Direction = Inbound
	case "outbound", "out", "egress":
		r.Direction = Outbound
	default:
		return r, malformed("unknown direction %q", d.Direction)
	}

	switch strings.ToLower(strings.TrimSpace(d.Proto)) {
	case "", "any", "all":
		r.Protocol = ProtoAny
	case "tcp":
		r.Protocol = ProtoTCP
	case "udp":
		r.Protocol = ProtoUDP
	case "icmp":
		r.Protocol = ProtoICMP
	default:
		return r, malformed("unknown proto %q", d.Proto)
	}

	switch strings.ToLower(strings.TrimSpace(d.Action)) {
	case "allow", "accept":
		r.Action = Allow
	case "deny", "drop":
		r.Action = Deny
	case "":
		return r, malformed("action is required")
	default:
		return r, malformed("unknown action %q", d.Action)
	}

	if len(d.Ports) > 0 && !r.Protocol.HasPorts() {
		return r, malformed("ports require proto tcp or udp, got %s", r.Protocol)
	}
	for _, pv := range d.Ports {
		pr, err := parsePortRange(string(pv))
		if err != nil {
			return r, malformed("%v", err)
		}
		r.Ports = append(r.Ports, pr)
	}

	if d.Peer != nil {
		peer, err := d.Peer.selector()
		if err != nil {
			return r, err
		}
		r.Peer = peer
	}
	return r, nil
}

func (d peerDoc) selector() (PeerSelector, *PolicyError) {
	set := 0
	if d.Any {
		set++
	}
	if d.CIDR != "" {
		set++
	}
	if d.Container != "" {
		set++
	}
	if d.Label != "" {
		set++
	}
	if set != 1 {
		return PeerSelector{}, malformed("peer must set exactly one of any, cidr, container, label")
	}

	switch {
	case d.Any:
		return AnyPeer(), nil
	case d.CIDR != "":
		prefix, err := parsePrefix(d.CIDR)
		if err != nil {
			return PeerSelector{}, malformed("peer cidr %q: %v", d.CIDR, err)
		}
		return CIDRPeer(prefix), nil
	case d.Container != "":
		return ContainerNamed(strings.TrimPrefix(strings.TrimSpace(d.Container), "/")), nil
	default:
		k, v, ok := strings.Cut(d.Label, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return PeerSelector{}, malformed("peer label %q must be key=value", d.Label)
		}
		return ContainerLabeled(k, strings.TrimSpace(v)), nil
	}
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")
	low, err := parsePort(lo)
	if err != nil {
		return PortRange{}, err
	}
	high := low
	if isRange {
		if high, err = parsePort(hi); err != nil {
			return PortRange{}, err
		}
	}
	if low > high {
		return PortRange{}, fmt.Errorf("port range %q: low bound above high bound", s)
	}
	return PortRange{Low: low, High: high}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q (want 1-65535)", s)
	}
	return uint16(n), nil
}
