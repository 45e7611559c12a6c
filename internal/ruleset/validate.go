package ruleset

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
)

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,62}$`)

// Validate checks referential integrity: every entry references only sets
// and chains that exist in rs, and every field holds a value the applier
// can express.
func (rs RuleSet) Validate() error {
	if rs.IsEmpty() {
		return nil
	}
	if !nameRe.MatchString(rs.Table) {
		return fmt.Errorf("invalid table name %q", rs.Table)
	}

	var errs []error
	sets := make(map[string]bool, len(rs.Sets))
	for _, s := range rs.Sets {
		if !nameRe.MatchString(s.Name) {
			errs = append(errs, fmt.Errorf("invalid set name %q", s.Name))
		}
		if sets[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate set %q", s.Name))
		}
		sets[s.Name] = true
		for _, a := range s.Elements {
			if !a.IsValid() || a.Is4In6() {
				errs = append(errs, fmt.Errorf("set %s: invalid element %v", s.Name, a))
			}
		}
	}

	chains := make(map[string]Chain, len(rs.Chains))
	for _, c := range rs.Chains {
		if !nameRe.MatchString(c.Name) {
			errs = append(errs, fmt.Errorf("invalid chain name %q", c.Name))
		}
		if _, dup := chains[c.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate chain %q", c.Name))
		}
		chains[c.Name] = c
		switch c.Hook {
		case "":
			if c.Policy != "" {
				errs = append(errs, fmt.Errorf("chain %s: policy on regular chain", c.Name))
			}
		case HookForward, HookInput:
			if c.Policy != VerdictAccept && c.Policy != VerdictDrop {
				errs = append(errs, fmt.Errorf("chain %s: invalid policy %q", c.Name, c.Policy))
			}
		default:
			errs = append(errs, fmt.Errorf("chain %s: unsupported hook %q", c.Name, c.Hook))
		}
	}

	for _, c := range rs.Chains {
		for i, e := range c.Entries {
			if err := e.validate(sets, chains); err != nil {
				errs = append(errs, fmt.Errorf("chain %s entry %d: %w", c.Name, i, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (e Entry) validate(sets map[string]bool, chains map[string]Chain) error {
	for _, name := range []string{e.SrcSet, e.DstSet} {
		if name != "" && !sets[name] {
			return fmt.Errorf("references missing set %q", name)
		}
	}
	if e.SrcSet != "" && e.SrcPrefix != "" || e.DstSet != "" && e.DstPrefix != "" {
		return errors.New("set and prefix on the same side")
	}

	fam := 0
	for _, s := range []string{e.SrcPrefix, e.DstPrefix} {
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		f := 6
		if p.Addr().Is4() {
			f = 4
		}
		if fam != 0 && fam != f {
			return errors.New("mixed address families")
		}
		fam = f
	}

	switch e.Proto {
	case "", ProtoICMP:
		if len(e.DPorts) > 0 {
			return fmt.Errorf("ports require tcp or udp")
		}
	case ProtoTCP, ProtoUDP:
	default:
		return fmt.Errorf("unknown proto %q", e.Proto)
	}
	for _, p := range e.DPorts {
		if p.Low == 0 || p.Low > p.High {
			return fmt.Errorf("invalid port range %s", p)
		}
	}

	switch e.CtState {
	case "", CtEstablished, CtInvalid:
	default:
		return fmt.Errorf("unknown ct state %q", e.CtState)
	}

	switch e.Verdict {
	case VerdictAccept, VerdictDrop, VerdictReturn:
		if e.Target != "" {
			return errors.New("target on non-jump verdict")
		}
	case VerdictJump:
		t, ok := chains[e.Target]
		if !ok {
			return fmt.Errorf("jump to missing chain %q", e.Target)
		}
		if t.IsBase() {
			return fmt.Errorf("jump to base chain %q", e.Target)
		}
	default:
		return fmt.Errorf("unknown verdict %q", e.Verdict)
	}
	return nil
}
