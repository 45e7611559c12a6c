package ruleset

import (
	"fmt"
	"sort"
	"strings"
)

// OpKind identifies a delta operation. Kinds are listed in apply order.
type OpKind string

const (
	OpRemoveTable OpKind = "remove-table"
	OpResetTable  OpKind = "reset-table"
	OpAddSet      OpKind = "add-set"
	OpUpdateSet   OpKind = "update-set"
	OpAddChain    OpKind = "add-chain"
	OpRemoveRule  OpKind = "remove-rule"
	OpAddRule     OpKind = "add-rule"
	OpRemoveChain OpKind = "remove-chain"
	OpRemoveSet   OpKind = "remove-set"
)

// Op is one delta operation.
//
// Rule operations carry the full target chain: the applier replaces the
// chain's contents as a whole, and Entry/Index only describe what changed.
type Op struct {
	Kind  OpKind      `json:"kind"`
	Table string      `json:"table,omitempty"`
	Set   *AddressSet `json:"set,omitempty"`
	Chain *Chain      `json:"chain,omitempty"`
	Entry *Entry      `json:"entry,omitempty"`
	Index int         `json:"index,omitempty"`
}

func (o Op) String() string {
	switch {
	case o.Set != nil:
		return fmt.Sprintf("%s %s (%d elements)", o.Kind, o.Set.Name, len(o.Set.Elements))
	case o.Entry != nil && o.Chain != nil:
		return fmt.Sprintf("%s %s[%d]", o.Kind, o.Chain.Name, o.Index)
	case o.Chain != nil:
		return fmt.Sprintf("%s %s", o.Kind, o.Chain.Name)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Table)
	}
}

// Delta is an ordered list of operations turning one ruleset into another.
type Delta struct {
	Table string `json:"table"`
	Ops   []Op   `json:"ops,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool { return len(d.Ops) == 0 }

// Counts returns the number of operations per kind.
func (d Delta) Counts() map[OpKind]int {
	m := make(map[OpKind]int)
	for _, op := range d.Ops {
		m[op.Kind]++
	}
	return m
}

// Summary renders Counts in apply order, e.g. "update-set=1 add-rule=2".
func (d Delta) Summary() string {
	if d.Empty() {
		return "no changes"
	}
	counts := d.Counts()
	var parts []string
	for _, k := range opOrder {
		if n := counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, n))
		}
	}
	return strings.Join(parts, " ")
}

// Reset reports whether the delta rebuilds the table from scratch.
func (d Delta) Reset() bool {
	return len(d.Ops) > 0 && (d.Ops[0].Kind == OpResetTable || d.Ops[0].Kind == OpRemoveTable)
}

var opOrder = []OpKind{
	OpRemoveTable, OpResetTable, OpAddSet, OpUpdateSet, OpAddChain,
	OpRemoveRule, OpAddRule, OpRemoveChain, OpRemoveSet,
}

// Diff computes the delta from current to target. It is a pure function and
// is defined for every pair, including the empty ruleset on either side.
//
// A table rename or any change to base chain hooks or policies rebuilds the
// whole table with reset-table; everything else is incremental. Chain and
// set comments are not compared.
func Diff(current, target RuleSet) Delta {
	d := Delta{Table: target.Table}

	if target.Table == "" {
		if current.Table != "" {
			d.Ops = append(d.Ops, Op{Kind: OpRemoveTable, Table: current.Table})
		}
		return d
	}

	if current.Table != target.Table || !sameBaseChains(current, target) {
		if current.Table != "" && current.Table != target.Table {
			d.Ops = append(d.Ops, Op{Kind: OpRemoveTable, Table: current.Table})
		}
		d.Ops = append(d.Ops, Op{Kind: OpResetTable, Table: target.Table})
		d.Ops = append(d.Ops, build(RuleSet{Table: target.Table}, target)...)
		return d
	}

	d.Ops = build(current, target)
	return d
}

// build emits incremental ops between two rulesets of the same table.
func build(current, target RuleSet) []Op {
	var (
		addSets, updateSets, removeSets []Op
		addChains, removeChains         []Op
		ruleOps                         []Op
	)

	curSets := make(map[string]AddressSet, len(current.Sets))
	for _, s := range current.Sets {
		curSets[s.Name] = s
	}
	tgtSets := make(map[string]bool, len(target.Sets))
	for _, s := range target.Sets {
		s := s
		tgtSets[s.Name] = true
		old, ok := curSets[s.Name]
		switch {
		case !ok:
			addSets = append(addSets, Op{Kind: OpAddSet, Table: target.Table, Set: &s})
		case !old.equal(s):
			updateSets = append(updateSets, Op{Kind: OpUpdateSet, Table: target.Table, Set: &s})
		}
	}
	for _, s := range current.Sets {
		s := s
		if !tgtSets[s.Name] {
			removeSets = append(removeSets, Op{Kind: OpRemoveSet, Table: target.Table, Set: &s})
		}
	}

	curChains := make(map[string]Chain, len(current.Chains))
	for _, c := range current.Chains {
		curChains[c.Name] = c
	}
	tgtChains := make(map[string]bool, len(target.Chains))
	for _, c := range target.Chains {
		c := c
		tgtChains[c.Name] = true
		old, ok := curChains[c.Name]
		if !ok {
			addChains = append(addChains, Op{Kind: OpAddChain, Table: target.Table, Chain: &c})
			for i := range c.Entries {
				ruleOps = append(ruleOps, Op{Kind: OpAddRule, Table: target.Table, Chain: &c, Entry: &c.Entries[i], Index: i})
			}
			continue
		}
		ruleOps = append(ruleOps, diffEntries(target.Table, old, &c)...)
	}
	for _, c := range current.Chains {
		c := c
		if !tgtChains[c.Name] {
			removeChains = append(removeChains, Op{Kind: OpRemoveChain, Table: target.Table, Chain: &c})
		}
	}

	var ops []Op
	ops = append(ops, addSets...)
	ops = append(ops, updateSets...)
	ops = append(ops, addChains...)
	ops = append(ops, ruleOps...)
	ops = append(ops, removeChains...)
	ops = append(ops, removeSets...)
	return ops
}

// diffEntries emits remove-rule then add-rule ops for one chain using the
// longest common subsequence of entries, so unchanged entries stay put.
func diffEntries(table string, old Chain, target *Chain) []Op {
	a, b := old.Entries, target.Entries
	ak := make([]string, len(a))
	for i := range a {
		ak[i] = a[i].key()
	}
	bk := make([]string, len(b))
	for i := range b {
		bk[i] = b[i].key()
	}

	// lcs[i][j] = LCS length of ak[i:] and bk[j:]
	lcs := make([][]int, len(a)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(b)+1)
	}
	for i := len(a) - 1; i >= 0; i-- {
		for j := len(b) - 1; j >= 0; j-- {
			if ak[i] == bk[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	var removes, adds []Op
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case i < len(a) && j < len(b) && ak[i] == bk[j]:
			i++
			j++
		case j < len(b) && (i == len(a) || lcs[i][j+1] >= lcs[i+1][j]):
			adds = append(adds, Op{Kind: OpAddRule, Table: table, Chain: target, Entry: &b[j], Index: j})
			j++
		default:
			e := a[i]
			removes = append(removes, Op{Kind: OpRemoveRule, Table: table, Chain: target, Entry: &e, Index: i})
			i++
		}
	}
	return append(removes, adds...)
}

func sameBaseChains(a, b RuleSet) bool {
	return baseKey(a) == baseKey(b)
}

func baseKey(rs RuleSet) string {
	var parts []string
	for _, c := range rs.Chains {
		if c.IsBase() {
			parts = append(parts, fmt.Sprintf("%s/%s/%d/%s", c.Name, c.Hook, c.Priority, c.Policy))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ChangedChains returns, in op order, the distinct target chains touched by
// rule operations.
func (d Delta) ChangedChains() []*Chain {
	seen := map[string]bool{}
	var out []*Chain
	for _, op := range d.Ops {
		if op.Kind != OpAddRule && op.Kind != OpRemoveRule {
			continue
		}
		if !seen[op.Chain.Name] {
			seen[op.Chain.Name] = true
			out = append(out, op.Chain)
		}
	}
	return out
}

// ApplyDelta interprets d against rs the way the kernel applier does and
// returns the resulting ruleset. Chains are ordered base chains first, then
// by name, which is the order Compile and Fallback produce.
func ApplyDelta(rs RuleSet, d Delta) RuleSet {
	out := RuleSet{Table: rs.Table}
	chains := map[string]Chain{}
	sets := map[string]AddressSet{}
	for _, c := range rs.Chains {
		chains[c.Name] = c
	}
	for _, s := range rs.Sets {
		sets[s.Name] = s
	}

	for _, op := range d.Ops {
		switch op.Kind {
		case OpRemoveTable:
			if out.Table == op.Table {
				out.Table = ""
				chains = map[string]Chain{}
				sets = map[string]AddressSet{}
			}
		case OpResetTable:
			out.Table = op.Table
			chains = map[string]Chain{}
			sets = map[string]AddressSet{}
		case OpAddSet, OpUpdateSet:
			s := *op.Set
			s.Elements = cloneAddrs(s.Elements)
			sets[s.Name] = s
		case OpAddChain:
			if _, ok := chains[op.Chain.Name]; !ok {
				chains[op.Chain.Name] = op.Chain.Header()
			}
		case OpAddRule, OpRemoveRule:
			c := op.Chain.Header()
			c.Entries = append([]Entry(nil), op.Chain.Entries...)
			chains[c.Name] = c
		case OpRemoveChain:
			delete(chains, op.Chain.Name)
		case OpRemoveSet:
			delete(sets, op.Set.Name)
		}
	}

	for _, c := range chains {
		out.Chains = append(out.Chains, c)
	}
	sort.Slice(out.Chains, func(i, j int) bool {
		a, b := out.Chains[i], out.Chains[j]
		if a.IsBase() != b.IsBase() {
			return a.IsBase()
		}
		return a.Name < b.Name
	})
	for _, s := range sets {
		out.Sets = append(out.Sets, s)
	}
	sort.Slice(out.Sets, func(i, j int) bool { return out.Sets[i].Name < out.Sets[j].Name })
	return out
}
