//go:build linux

package firewall

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/google/nftables/userdata"
	"golang.org/x/sys/unix"

	"grimm.is/harborshield/internal/ruleset"
)

// Network header offsets.
const (
	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	ipv4AddrLen   = 4
	ipv6SrcOffset = 8
	ipv6DstOffset = 24
	ipv6AddrLen   = 16

	dportOffset = 2
)

// setResolver returns the kernel set a lookup should reference.
type setResolver func(kernelName string) *nftables.Set

// buildExprs lowers one match to netlink expressions. Matches are emitted in
// the order nft itself would: family, interface, conntrack, protocol,
// addresses, ports, then counter and verdict.
func buildExprs(m ruleset.Match, sets setResolver) ([]expr.Any, error) {
	var exprs []expr.Any

	switch m.Family {
	case ruleset.FamilyIPv4:
		exprs = append(exprs, nfproto(unix.NFPROTO_IPV4)...)
	case ruleset.FamilyIPv6:
		exprs = append(exprs, nfproto(unix.NFPROTO_IPV6)...)
	}

	if m.IIFName != "" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(m.IIFName)},
		)
	}

	if m.CtState != "" {
		bits, err := ctStateBits(m.CtState)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs,
			&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(bits),
				Xor:            binaryutil.NativeEndian.PutUint32(0),
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		)
	}

	if m.L4Proto != 0 {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{m.L4Proto}},
		)
	}

	if m.SrcSet != "" {
		e, err := setMatch(m.Family, m.SrcSet, true, sets)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e...)
	}
	if m.SrcPrefix.IsValid() {
		exprs = append(exprs, prefixMatch(m.SrcPrefix, true)...)
	}
	if m.DstSet != "" {
		e, err := setMatch(m.Family, m.DstSet, false, sets)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e...)
	}
	if m.DstPrefix.IsValid() {
		exprs = append(exprs, prefixMatch(m.DstPrefix, false)...)
	}

	if m.DPort != nil {
		exprs = append(exprs, &expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       dportOffset,
			Len:          2,
		})
		if m.DPort.Low == m.DPort.High {
			exprs = append(exprs, &expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     binaryutil.BigEndian.PutUint16(m.DPort.Low),
			})
		} else {
			exprs = append(exprs, &expr.Range{
				Op:       expr.CmpOpEq,
				Register: 1,
				FromData: binaryutil.BigEndian.PutUint16(m.DPort.Low),
				ToData:   binaryutil.BigEndian.PutUint16(m.DPort.High),
			})
		}
	}

	v, err := verdict(m.Verdict, m.Target)
	if err != nil {
		return nil, err
	}
	exprs = append(exprs, &expr.Counter{}, v)
	return exprs, nil
}

// ruleUserData encodes a rule comment the way nft does.
func ruleUserData(comment string) []byte {
	if comment == "" {
		return nil
	}
	return userdata.AppendString(nil, userdata.TypeComment, comment)
}

func nfproto(p byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{p}},
	}
}

// ifname pads an interface name to IFNAMSIZ.
func ifname(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}

func ctStateBits(state string) (uint32, error) {
	switch state {
	case ruleset.CtEstablished:
		return expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED, nil
	case ruleset.CtInvalid:
		return expr.CtStateBitINVALID, nil
	}
	return 0, fmt.Errorf("unsupported ct state %q", state)
}

func addrPayload(f ruleset.Family, src bool) (*expr.Payload, error) {
	p := &expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader}
	switch {
	case f == ruleset.FamilyIPv4 && src:
		p.Offset, p.Len = ipv4SrcOffset, ipv4AddrLen
	case f == ruleset.FamilyIPv4:
		p.Offset, p.Len = ipv4DstOffset, ipv4AddrLen
	case f == ruleset.FamilyIPv6 && src:
		p.Offset, p.Len = ipv6SrcOffset, ipv6AddrLen
	case f == ruleset.FamilyIPv6:
		p.Offset, p.Len = ipv6DstOffset, ipv6AddrLen
	default:
		return nil, fmt.Errorf("address match without a family")
	}
	return p, nil
}

func setMatch(f ruleset.Family, name string, src bool, sets setResolver) ([]expr.Any, error) {
	p, err := addrPayload(f, src)
	if err != nil {
		return nil, err
	}
	set := sets(name)
	if set == nil {
		return nil, fmt.Errorf("set %s is not defined", name)
	}
	return []expr.Any{
		p,
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
	}, nil
}

func prefixMatch(pfx netip.Prefix, src bool) []expr.Any {
	f := ruleset.FamilyIPv6
	if pfx.Addr().Is4() {
		f = ruleset.FamilyIPv4
	}
	p, _ := addrPayload(f, src)
	exprs := []expr.Any{p}

	pfx = pfx.Masked()
	bits := pfx.Addr().BitLen()
	if pfx.Bits() < bits {
		mask := make([]byte, bits/8)
		for i := 0; i < pfx.Bits(); i++ {
			mask[i/8] |= 0x80 >> (i % 8)
		}
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            uint32(bits / 8),
			Mask:           mask,
			Xor:            make([]byte, bits/8),
		})
	}
	return append(exprs, &expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: pfx.Addr().AsSlice()})
}

func verdict(v, target string) (*expr.Verdict, error) {
	switch v {
	case ruleset.VerdictAccept:
		return &expr.Verdict{Kind: expr.VerdictAccept}, nil
	case ruleset.VerdictDrop:
		return &expr.Verdict{Kind: expr.VerdictDrop}, nil
	case ruleset.VerdictReturn:
		return &expr.Verdict{Kind: expr.VerdictReturn}, nil
	case ruleset.VerdictJump:
		if target == "" {
			return nil, fmt.Errorf("jump without target")
		}
		return &expr.Verdict{Kind: expr.VerdictJump, Chain: target}, nil
	}
	return nil, fmt.Errorf("unsupported verdict %q", v)
}
