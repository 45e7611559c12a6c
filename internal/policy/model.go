package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Direction of traffic relative to the container.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Protocol matched by a rule.
type Protocol string

const (
	ProtoAny  Protocol = "any"
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoICMP Protocol = "icmp"
)

// HasPorts reports whether ports are meaningful for the protocol.
func (p Protocol) HasPorts() bool {
	return p == ProtoTCP || p == ProtoUDP
}

// Action taken on match.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
)

// PortRange is an inclusive destination port range. Low == High for a single port.
type PortRange struct {
	Low  uint16 `json:"low"`
	High uint16 `json:"high"`
}

func (p PortRange) String() string {
	if p.Low == p.High {
		return fmt.Sprintf("%d", p.Low)
	}
	return fmt.Sprintf("%d-%d", p.Low, p.High)
}

// PeerKind tags the PeerSelector variant.
type PeerKind string

const (
	PeerAny       PeerKind = "any"
	PeerCIDR      PeerKind = "cidr"
	PeerContainer PeerKind = "container"
)

// PeerSelector identifies the remote side of a rule.
// For PeerContainer exactly one of Name or LabelKey is set.
type PeerSelector struct {
	Kind       PeerKind     `json:"kind"`
	Prefix     netip.Prefix `json:"prefix,omitzero"`
	Name       string       `json:"name,omitempty"`
	LabelKey   string       `json:"label_key,omitempty"`
	LabelValue string       `json:"label_value,omitempty"`
}

// AnyPeer matches every address.
func AnyPeer() PeerSelector { return PeerSelector{Kind: PeerAny} }

// CIDRPeer matches a literal subnet.
func CIDRPeer(p netip.Prefix) PeerSelector { return PeerSelector{Kind: PeerCIDR, Prefix: p.Masked()} }

// ContainerNamed matches the container with the given name.
func ContainerNamed(name string) PeerSelector {
	return PeerSelector{Kind: PeerContainer, Name: name}
}

// ContainerLabeled matches every container carrying key=value.
func ContainerLabeled(key, value string) PeerSelector {
	return PeerSelector{Kind: PeerContainer, LabelKey: key, LabelValue: value}
}

func (s PeerSelector) String() string {
	switch s.Kind {
	case PeerCIDR:
		return "cidr:" + s.Prefix.String()
	case PeerContainer:
		if s.Name != "" {
			return "container:" + s.Name
		}
		return "label:" + s.LabelKey + "=" + s.LabelValue
	default:
		return "any"
	}
}

// SetName is the stable address-set name for a container selector.
// Equal selectors share one set regardless of which container declares them.
func (s PeerSelector) SetName() string {
	if s.Kind != PeerContainer {
		return ""
	}
	sum := sha256.Sum256([]byte(s.String()))
	return "ref_" + hex.EncodeToString(sum[:6])
}

// Matches reports whether container c is selected. Only meaningful for PeerContainer.
func (s PeerSelector) Matches(c *Container) bool {
	if s.Kind != PeerContainer {
		return false
	}
	if s.Name != "" {
		return c.Name == s.Name
	}
	v, ok := c.Labels[s.LabelKey]
	return ok && v == s.LabelValue
}

// Rule is one declared firewall rule.
type Rule struct {
	Direction Direction    `json:"direction"`
	Protocol  Protocol     `json:"protocol"`
	Ports     []PortRange  `json:"ports,omitempty"`
	Peer      PeerSelector `json:"peer"`
	Action    Action       `json:"action"`
}

func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Action, r.Direction, r.Protocol)
	if len(r.Ports) > 0 {
		ports := make([]string, len(r.Ports))
		for i, p := range r.Ports {
			ports[i] = p.String()
		}
		fmt.Fprintf(&b, " ports %s", strings.Join(ports, ","))
	}
	fmt.Fprintf(&b, " peer %s", r.Peer)
	return b.String()
}

// Policy is the ordered rule list declared by one container.
type Policy struct {
	// Managed containers get their own chains; others only serve as peers.
	Managed bool   `json:"managed"`
	Rules   []Rule `json:"rules,omitempty"`
}

// Container is the registry view of one running container.
type Container struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Addresses []netip.Addr      `json:"addresses,omitempty"`

	Policy Policy `json:"policy"`
	// Parse failure for this generation's labels, if any.
	PolicyErr error `json:"-"`
}

// NewContainer builds a registry entry and parses its policy labels once.
func NewContainer(id, name string, labels map[string]string, addrs []netip.Addr, labelPrefix string) Container {
	c := Container{
		ID:        id,
		Name:      strings.TrimPrefix(name, "/"),
		Labels:    labels,
		Addresses: sortAddrs(addrs),
	}
	c.Policy, c.PolicyErr = Parse(labels, labelPrefix)
	return c
}

// Clone returns a deep copy.
func (c Container) Clone() Container {
	out := c
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	out.Addresses = append([]netip.Addr(nil), c.Addresses...)
	out.Policy.Rules = append([]Rule(nil), c.Policy.Rules...)
	return out
}

// ShortID is the 12-character form used in kernel object names.
func (c Container) ShortID() string {
	return ShortID(c.ID)
}

// ShortID truncates a container ID to 12 characters.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ResolvedRule is a Rule with container references expanded.
type ResolvedRule struct {
	Rule
	// PeerSet names the address set for PeerContainer selectors.
	PeerSet string `json:"peer_set,omitempty"`
	// PeerAddrs are the current members of PeerSet. Empty means the rule matches nothing.
	PeerAddrs []netip.Addr `json:"peer_addrs,omitempty"`
}

// ResolvedPolicy is the normalized input to the compiler for one managed container.
type ResolvedPolicy struct {
	ContainerID   string         `json:"container_id"`
	ContainerName string         `json:"container_name"`
	Self          []netip.Addr   `json:"self,omitempty"`
	Rules         []ResolvedRule `json:"rules,omitempty"`
	// FailClosed means the declared policy was rejected and all traffic is denied.
	FailClosed bool   `json:"fail_closed,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
