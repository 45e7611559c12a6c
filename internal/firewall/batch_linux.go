//go:build linux

package firewall

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables"

	"grimm.is/harborshield/internal/ruleset"
)

// batch stages a delta on one connection. Nothing reaches the kernel until
// the caller flushes the connection.
type batch struct {
	conn   NFTablesConn
	table  *nftables.Table
	chains map[string]*nftables.Chain
	sets   map[string]*nftables.Set

	// chains already replaced in this batch
	replaced map[string]bool
}

func newBatch(conn NFTablesConn, table string) *batch {
	return &batch{
		conn:     conn,
		table:    &nftables.Table{Name: table, Family: nftables.TableFamilyINet},
		chains:   make(map[string]*nftables.Chain),
		sets:     make(map[string]*nftables.Set),
		replaced: make(map[string]bool),
	}
}

func (b *batch) stage(d ruleset.Delta) error {
	for _, op := range d.Ops {
		if err := b.stageOp(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (b *batch) stageOp(op ruleset.Op) error {
	switch op.Kind {
	case ruleset.OpRemoveTable:
		t := &nftables.Table{Name: op.Table, Family: nftables.TableFamilyINet}
		b.conn.AddTable(t)
		b.conn.DelTable(t)
		if op.Table == b.table.Name {
			b.forget()
		}
	case ruleset.OpResetTable:
		b.conn.AddTable(b.table)
		b.conn.DelTable(b.table)
		b.conn.AddTable(b.table)
		b.forget()
	case ruleset.OpAddSet, ruleset.OpUpdateSet:
		return b.replaceSet(*op.Set)
	case ruleset.OpAddChain:
		b.conn.AddChain(b.chain(*op.Chain))
	case ruleset.OpAddRule, ruleset.OpRemoveRule:
		if b.replaced[op.Chain.Name] {
			return nil
		}
		b.replaced[op.Chain.Name] = true
		return b.replaceChain(*op.Chain)
	case ruleset.OpRemoveChain:
		c := b.chain(*op.Chain)
		b.conn.AddChain(c)
		b.conn.FlushChain(c)
		b.conn.DelChain(c)
		delete(b.chains, c.Name)
	case ruleset.OpRemoveSet:
		for _, f := range []ruleset.Family{ruleset.FamilyIPv4, ruleset.FamilyIPv6} {
			s := b.set(op.Set.Name, f)
			if err := b.conn.AddSet(s, nil); err != nil {
				return err
			}
			b.conn.DelSet(s)
			delete(b.sets, s.Name)
		}
	default:
		return fmt.Errorf("unknown operation %q", op.Kind)
	}
	return nil
}

// forget drops cached objects after the table was deleted in this batch.
func (b *batch) forget() {
	clear(b.chains)
	clear(b.sets)
	clear(b.replaced)
}

func (b *batch) replaceSet(s ruleset.AddressSet) error {
	v4, v6 := s.Split()
	for _, part := range []struct {
		family ruleset.Family
		addrs  []netip.Addr
	}{{ruleset.FamilyIPv4, v4}, {ruleset.FamilyIPv6, v6}} {
		set := b.set(s.Name, part.family)
		if err := b.conn.AddSet(set, nil); err != nil {
			return err
		}
		b.conn.FlushSet(set)
		if len(part.addrs) == 0 {
			continue
		}
		elems := make([]nftables.SetElement, len(part.addrs))
		for i, a := range part.addrs {
			elems[i] = nftables.SetElement{Key: a.AsSlice()}
		}
		if err := b.conn.SetAddElements(set, elems); err != nil {
			return err
		}
	}
	return nil
}

func (b *batch) replaceChain(c ruleset.Chain) error {
	nc := b.chain(c)
	b.conn.AddChain(nc)
	b.conn.FlushChain(nc)
	for _, e := range c.Entries {
		for _, m := range ruleset.Expand(e) {
			exprs, err := buildExprs(m, b.lookupSet)
			if err != nil {
				return err
			}
			b.conn.AddRule(&nftables.Rule{
				Table:    b.table,
				Chain:    nc,
				Exprs:    exprs,
				UserData: ruleUserData(m.Comment),
			})
		}
	}
	return nil
}

// chain returns the staged chain object for c, creating it on first use.
func (b *batch) chain(c ruleset.Chain) *nftables.Chain {
	if nc, ok := b.chains[c.Name]; ok {
		return nc
	}
	nc := &nftables.Chain{Name: c.Name, Table: b.table}
	if c.IsBase() {
		nc.Type = nftables.ChainTypeFilter
		nc.Priority = nftables.ChainPriorityRef(nftables.ChainPriority(c.Priority))
		switch c.Hook {
		case ruleset.HookInput:
			nc.Hooknum = nftables.ChainHookInput
		default:
			nc.Hooknum = nftables.ChainHookForward
		}
		policy := nftables.ChainPolicyAccept
		if c.Policy == ruleset.VerdictDrop {
			policy = nftables.ChainPolicyDrop
		}
		nc.Policy = &policy
	}
	b.chains[c.Name] = nc
	return nc
}

// set returns the staged kernel set for one family of a logical set.
func (b *batch) set(name string, f ruleset.Family) *nftables.Set {
	kname := ruleset.KernelSetName(name, f)
	if s, ok := b.sets[kname]; ok {
		return s
	}
	s := &nftables.Set{Table: b.table, Name: kname, KeyType: nftables.TypeIPAddr}
	if f == ruleset.FamilyIPv6 {
		s.KeyType = nftables.TypeIP6Addr
	}
	b.sets[kname] = s
	return s
}

// lookupSet resolves a kernel set name for a rule. Sets staged in this batch
// carry their transaction ID; others are referenced by name only.
func (b *batch) lookupSet(kname string) *nftables.Set {
	if s, ok := b.sets[kname]; ok {
		return s
	}
	return &nftables.Set{Table: b.table, Name: kname}
}
