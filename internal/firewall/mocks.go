//go:build linux

package firewall

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/mock"
	"golang.org/x/sys/unix"
)

// MockNFTablesConn is an in-memory NFTablesConn with kernel transaction
// semantics: staged operations are validated and applied together on Flush,
// and a failing operation discards the whole batch.
//
// Only Flush goes through testify, so tests inject commit failures with
// conn.On("Flush").Return(err).
type MockNFTablesConn struct {
	mock.Mock
	mu sync.Mutex

	committed map[string]*mockTable
	pending   []mockOp
	nextSetID uint32

	// Log records every staged call, e.g. "AddSet ref_1a2b4".
	Log     []string
	Flushes int
}

type mockOp func(tables map[string]*mockTable) error

type mockTable struct {
	chains map[string]*mockChain
	sets   map[string]*mockSet
}

type mockChain struct {
	chain *nftables.Chain
	rules []*nftables.Rule
}

type mockSet struct {
	set   *nftables.Set
	elems []netip.Addr
}

// NewMockNFTablesConn creates a new mock nftables connection.
func NewMockNFTablesConn() *MockNFTablesConn {
	return &MockNFTablesConn{committed: make(map[string]*mockTable)}
}

func (m *MockNFTablesConn) stage(entry string, op mockOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log = append(m.Log, entry)
	m.pending = append(m.pending, op)
}

func (m *MockNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	m.stage("AddTable "+t.Name, func(tables map[string]*mockTable) error {
		if _, ok := tables[t.Name]; !ok {
			tables[t.Name] = &mockTable{chains: map[string]*mockChain{}, sets: map[string]*mockSet{}}
		}
		return nil
	})
	return t
}

func (m *MockNFTablesConn) DelTable(t *nftables.Table) {
	m.stage("DelTable "+t.Name, func(tables map[string]*mockTable) error {
		if _, ok := tables[t.Name]; !ok {
			return fmt.Errorf("delete table %s: %w", t.Name, unix.ENOENT)
		}
		delete(tables, t.Name)
		return nil
	})
}

func (m *MockNFTablesConn) ListTables() ([]*nftables.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*nftables.Table, 0, len(m.committed))
	for _, name := range slices.Sorted(maps.Keys(m.committed)) {
		out = append(out, &nftables.Table{Name: name, Family: nftables.TableFamilyINet})
	}
	return out, nil
}

func (m *MockNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	m.stage("AddChain "+c.Name, func(tables map[string]*mockTable) error {
		t, err := tableOf(tables, c.Table.Name)
		if err != nil {
			return err
		}
		if _, ok := t.chains[c.Name]; !ok {
			t.chains[c.Name] = &mockChain{chain: c}
		}
		return nil
	})
	return c
}

func (m *MockNFTablesConn) DelChain(c *nftables.Chain) {
	m.stage("DelChain "+c.Name, func(tables map[string]*mockTable) error {
		t, err := tableOf(tables, c.Table.Name)
		if err != nil {
			return err
		}
		mc, ok := t.chains[c.Name]
		if !ok {
			return fmt.Errorf("delete chain %s: %w", c.Name, unix.ENOENT)
		}
		if len(mc.rules) > 0 || t.jumpsTo(c.Name) {
			return fmt.Errorf("delete chain %s: %w", c.Name, unix.EBUSY)
		}
		delete(t.chains, c.Name)
		return nil
	})
}

func (m *MockNFTablesConn) FlushChain(c *nftables.Chain) {
	m.stage("FlushChain "+c.Name, func(tables map[string]*mockTable) error {
		mc, err := chainOf(tables, c)
		if err != nil {
			return err
		}
		mc.rules = nil
		return nil
	})
}

func (m *MockNFTablesConn) AddRule(r *nftables.Rule) *nftables.Rule {
	m.stage("AddRule "+r.Chain.Name, func(tables map[string]*mockTable) error {
		mc, err := chainOf(tables, r.Chain)
		if err != nil {
			return err
		}
		t := tables[r.Table.Name]
		for _, e := range r.Exprs {
			switch e := e.(type) {
			case *expr.Lookup:
				if _, ok := t.sets[e.SetName]; !ok {
					return fmt.Errorf("lookup %s: %w", e.SetName, unix.ENOENT)
				}
			case *expr.Verdict:
				if e.Kind == expr.VerdictJump {
					if _, ok := t.chains[e.Chain]; !ok {
						return fmt.Errorf("jump %s: %w", e.Chain, unix.ENOENT)
					}
				}
			}
		}
		mc.rules = append(mc.rules, r)
		return nil
	})
	return r
}

func (m *MockNFTablesConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, err := chainOf(m.committed, &nftables.Chain{Name: c.Name, Table: t})
	if err != nil {
		return nil, err
	}
	return slices.Clone(mc.rules), nil
}

func (m *MockNFTablesConn) AddSet(s *nftables.Set, vals []nftables.SetElement) error {
	m.mu.Lock()
	if s.ID == 0 {
		m.nextSetID++
		s.ID = m.nextSetID
	}
	m.mu.Unlock()

	m.stage("AddSet "+s.Name, func(tables map[string]*mockTable) error {
		t, err := tableOf(tables, s.Table.Name)
		if err != nil {
			return err
		}
		if _, ok := t.sets[s.Name]; !ok {
			t.sets[s.Name] = &mockSet{set: s}
		}
		return nil
	})
	if len(vals) > 0 {
		return m.SetAddElements(s, vals)
	}
	return nil
}

func (m *MockNFTablesConn) DelSet(s *nftables.Set) {
	m.stage("DelSet "+s.Name, func(tables map[string]*mockTable) error {
		t, err := tableOf(tables, s.Table.Name)
		if err != nil {
			return err
		}
		if _, ok := t.sets[s.Name]; !ok {
			return fmt.Errorf("delete set %s: %w", s.Name, unix.ENOENT)
		}
		if t.looksUp(s.Name) {
			return fmt.Errorf("delete set %s: %w", s.Name, unix.EBUSY)
		}
		delete(t.sets, s.Name)
		return nil
	})
}

func (m *MockNFTablesConn) FlushSet(s *nftables.Set) {
	m.stage("FlushSet "+s.Name, func(tables map[string]*mockTable) error {
		ms, err := setOf(tables, s)
		if err != nil {
			return err
		}
		ms.elems = nil
		return nil
	})
}

func (m *MockNFTablesConn) SetAddElements(s *nftables.Set, vals []nftables.SetElement) error {
	addrs := make([]netip.Addr, 0, len(vals))
	for _, v := range vals {
		a, ok := netip.AddrFromSlice(v.Key)
		if !ok {
			return fmt.Errorf("set %s: bad element %x", s.Name, v.Key)
		}
		addrs = append(addrs, a)
	}
	m.stage(fmt.Sprintf("SetAddElements %s %d", s.Name, len(vals)), func(tables map[string]*mockTable) error {
		ms, err := setOf(tables, s)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			if (s.KeyType == nftables.TypeIPAddr) != a.Is4() {
				return fmt.Errorf("set %s: element %s: %w", s.Name, a, unix.EINVAL)
			}
			if !slices.Contains(ms.elems, a) {
				ms.elems = append(ms.elems, a)
			}
		}
		return nil
	})
	return nil
}

func (m *MockNFTablesConn) GetSetElements(s *nftables.Set) ([]nftables.SetElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, err := setOf(m.committed, s)
	if err != nil {
		return nil, err
	}
	out := make([]nftables.SetElement, len(ms.elems))
	for i, a := range ms.elems {
		out[i] = nftables.SetElement{Key: a.AsSlice()}
	}
	return out, nil
}

// Flush validates and commits the staged batch. On any failure the
// committed state is left untouched.
func (m *MockNFTablesConn) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pending
	m.pending = nil
	m.Flushes++

	args := m.Called()
	if err := args.Error(0); err != nil {
		return err
	}

	next := cloneTables(m.committed)
	for _, op := range pending {
		if err := op(next); err != nil {
			return err
		}
	}
	m.committed = next
	return nil
}

// Tables returns the committed table names.
func (m *MockNFTablesConn) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.committed))
}

// Chains returns the committed chain names of a table.
func (m *MockNFTablesConn) Chains(tableName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.committed[tableName]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(t.chains))
}

// SetElements returns the committed members of a kernel set.
func (m *MockNFTablesConn) SetElements(tableName, setName string) []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.committed[tableName]
	if !ok {
		return nil
	}
	s, ok := t.sets[setName]
	if !ok {
		return nil
	}
	return slices.Clone(s.elems)
}

// Sets returns the committed kernel set names of a table.
func (m *MockNFTablesConn) Sets(tableName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.committed[tableName]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(t.sets))
}

// ResetLog clears the call log.
func (m *MockNFTablesConn) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log = nil
}

func tableOf(tables map[string]*mockTable, name string) (*mockTable, error) {
	t, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", name, unix.ENOENT)
	}
	return t, nil
}

func chainOf(tables map[string]*mockTable, c *nftables.Chain) (*mockChain, error) {
	t, err := tableOf(tables, c.Table.Name)
	if err != nil {
		return nil, err
	}
	mc, ok := t.chains[c.Name]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", c.Name, unix.ENOENT)
	}
	return mc, nil
}

func setOf(tables map[string]*mockTable, s *nftables.Set) (*mockSet, error) {
	t, err := tableOf(tables, s.Table.Name)
	if err != nil {
		return nil, err
	}
	ms, ok := t.sets[s.Name]
	if !ok {
		return nil, fmt.Errorf("set %s: %w", s.Name, unix.ENOENT)
	}
	return ms, nil
}

func (t *mockTable) jumpsTo(name string) bool {
	for _, c := range t.chains {
		for _, r := range c.rules {
			for _, e := range r.Exprs {
				if v, ok := e.(*expr.Verdict); ok && v.Kind == expr.VerdictJump && v.Chain == name {
					return true
				}
			}
		}
	}
	return false
}

func (t *mockTable) looksUp(name string) bool {
	for _, c := range t.chains {
		for _, r := range c.rules {
			for _, e := range r.Exprs {
				if l, ok := e.(*expr.Lookup); ok && l.SetName == name {
					return true
				}
			}
		}
	}
	return false
}

func cloneTables(in map[string]*mockTable) map[string]*mockTable {
	out := make(map[string]*mockTable, len(in))
	for name, t := range in {
		nt := &mockTable{
			chains: make(map[string]*mockChain, len(t.chains)),
			sets:   make(map[string]*mockSet, len(t.sets)),
		}
		for cn, c := range t.chains {
			nt.chains[cn] = &mockChain{chain: c.chain, rules: slices.Clone(c.rules)}
		}
		for sn, s := range t.sets {
			nt.sets[sn] = &mockSet{set: s.set, elems: slices.Clone(s.elems)}
		}
		out[name] = nt
	}
	return out
}
