package policy

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "harborshield"

func TestParse_Unmanaged(t *testing.T) {
	p, err := Parse(map[string]string{"com.docker.compose.service": "db"}, prefix)
	require.NoError(t, err)
	assert.False(t, p.Managed)

	p, err = Parse(map[string]string{
		"harborshield.enabled": "false",
		"harborshield.rules":   "- action: allow",
	}, prefix)
	require.NoError(t, err)
	assert.False(t, p.Managed, "explicit enabled=false wins")
}

func TestParse_EnabledWithoutRules(t *testing.T) {
	p, err := Parse(map[string]string{"harborshield.enabled": "true"}, prefix)
	require.NoError(t, err)
	assert.True(t, p.Managed)
	assert.Empty(t, p.Rules)
}

func TestParse_Rules(t *testing.T) {
	labels := map[string]string{
		"harborshield.rules": `
- proto: tcp
  ports: [80, "8000-8080"]
  peer:
    container: /web
  action: allow
- direction: outbound
  proto: udp
  ports: ["53"]
  peer:
    cidr: 10.1.2.3/8
  action: allow
- direction: inbound
  proto: icmp
  peer:
    label: app=monitor
  action: allow
- action: deny
`,
	}

	p, err := Parse(labels, prefix)
	require.NoError(t, err)
	require.True(t, p.Managed)
	require.Len(t, p.Rules, 4)

	r := p.Rules[0]
	assert.Equal(t, Inbound, r.Direction)
	assert.Equal(t, ProtoTCP, r.Protocol)
	assert.Equal(t, []PortRange{{80, 80}, {8000, 8080}}, r.Ports)
	assert.Equal(t, ContainerNamed("web"), r.Peer)
	assert.Equal(t, Allow, r.Action)

	r = p.Rules[1]
	assert.Equal(t, Outbound, r.Direction)
	assert.Equal(t, CIDRPeer(netip.MustParsePrefix("10.0.0.0/8")), r.Peer)

	r = p.Rules[2]
	assert.Equal(t, ProtoICMP, r.Protocol)
	assert.Equal(t, ContainerLabeled("app", "monitor"), r.Peer)

	r = p.Rules[3]
	assert.Equal(t, ProtoAny, r.Protocol)
	assert.Equal(t, AnyPeer(), r.Peer)
	assert.Equal(t, Deny, r.Action)
}

func TestParse_SingleAddressPeer(t *testing.T) {
	p, err := Parse(map[string]string{
		"harborshield.rules": "- peer: {cidr: 'fd00::1'}\n  action: allow\n",
	}, prefix)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("fd00::1/128"), p.Rules[0].Peer.Prefix)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		rules string
	}{
		{"not yaml list", "action: allow"},
		{"unknown field", "- action: allow\n  port: 80"},
		{"missing action", "- proto: tcp"},
		{"bad action", "- action: maybe"},
		{"bad direction", "- direction: sideways\n  action: allow"},
		{"bad proto", "- proto: sctp\n  action: allow"},
		{"ports on icmp", "- proto: icmp\n  ports: [1]\n  action: allow"},
		{"ports on any", "- ports: [80]\n  action: allow"},
		{"port zero", "- proto: tcp\n  ports: [0]\n  action: allow"},
		{"port too high", "- proto: tcp\n  ports: [70000]\n  action: allow"},
		{"inverted range", "- proto: tcp\n  ports: ['90-80']\n  action: allow"},
		{"two peers", "- peer: {any: true, cidr: 10.0.0.0/8}\n  action: allow"},
		{"empty peer", "- peer: {}\n  action: allow"},
		{"bad cidr", "- peer: {cidr: 10.0.0.0/33}\n  action: allow"},
		{"bad label", "- peer: {label: app}\n  action: allow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(map[string]string{"harborshield.rules": tt.rules}, prefix)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
			assert.True(t, p.Managed, "malformed policy must stay managed")
			assert.Empty(t, p.Rules)

			var pe *PolicyError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, Malformed, pe.Kind)
		})
	}
}

func TestParse_BadEnabled(t *testing.T) {
	p, err := Parse(map[string]string{"harborshield.enabled": "sure"}, prefix)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, p.Managed)
}

func TestParse_CustomPrefix(t *testing.T) {
	p, err := Parse(map[string]string{"fw.rules": "- action: deny"}, "fw")
	require.NoError(t, err)
	assert.True(t, p.Managed)

	p, err = Parse(map[string]string{"harborshield.rules": "- action: deny"}, "fw")
	require.NoError(t, err)
	assert.False(t, p.Managed)
}

func TestPeerSelector_SetName(t *testing.T) {
	a := ContainerNamed("web").SetName()
	b := ContainerNamed("web").SetName()
	c := ContainerLabeled("app", "web").SetName()

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("ref_")+12)
	assert.Empty(t, AnyPeer().SetName())
}

func TestRuleString(t *testing.T) {
	r := Rule{
		Direction: Inbound,
		Protocol:  ProtoTCP,
		Ports:     []PortRange{{80, 80}, {8000, 8080}},
		Peer:      ContainerNamed("b"),
		Action:    Allow,
	}
	assert.Equal(t, "allow inbound tcp ports 80,8000-8080 peer container:b", r.String())
}
