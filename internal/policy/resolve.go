package policy

import (
	"context"
	"errors"
	"net/netip"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Snapshot is an immutable, ID-ordered view of the container registry.
type Snapshot struct {
	Containers []Container
}

// NewSnapshot deep-copies containers and orders them by ID.
func NewSnapshot(containers []Container) Snapshot {
	out := make([]Container, len(containers))
	for i, c := range containers {
		out[i] = c.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Snapshot{Containers: out}
}

// Get returns a copy of the container with the given ID.
func (s Snapshot) Get(id string) (Container, bool) {
	i := sort.Search(len(s.Containers), func(i int) bool { return s.Containers[i].ID >= id })
	if i < len(s.Containers) && s.Containers[i].ID == id {
		return s.Containers[i].Clone(), true
	}
	return Container{}, false
}

// Select returns the sorted, de-duplicated addresses of every container matched by sel.
func (s Snapshot) Select(sel PeerSelector) []netip.Addr {
	var addrs []netip.Addr
	for i := range s.Containers {
		if sel.Matches(&s.Containers[i]) {
			addrs = append(addrs, s.Containers[i].Addresses...)
		}
	}
	return sortAddrs(addrs)
}

// Resolve expands one container's policy against snap.
//
// Unmanaged containers return ok=false. A container with a parse error
// resolves fail-closed and the *PolicyError is returned alongside it.
func Resolve(c Container, snap Snapshot) (rp ResolvedPolicy, ok bool, err error) {
	if !c.Policy.Managed && c.PolicyErr == nil {
		return ResolvedPolicy{}, false, nil
	}

	rp = ResolvedPolicy{
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Self:          sortAddrs(c.Addresses),
	}

	if c.PolicyErr != nil {
		perr := &PolicyError{Kind: Malformed, Reason: c.PolicyErr.Error()}
		var pe *PolicyError
		if errors.As(c.PolicyErr, &pe) {
			perr.Kind = pe.Kind
			perr.Reason = pe.Reason
		}
		perr.Container = c.Name
		rp.FailClosed = true
		rp.Reason = perr.Reason
		return rp, true, perr
	}

	rp.Rules = make([]ResolvedRule, 0, len(c.Policy.Rules))
	for _, r := range c.Policy.Rules {
		rr := ResolvedRule{Rule: r}
		if r.Peer.Kind == PeerContainer {
			rr.PeerSet = r.Peer.SetName()
			rr.PeerAddrs = snap.Select(r.Peer)
		}
		rp.Rules = append(rp.Rules, rr)
	}
	return rp, true, nil
}

// Resolution is the joined output of ResolveAll.
type Resolution struct {
	// Managed containers only, ordered by container ID.
	Policies []ResolvedPolicy
	// One *PolicyError per fail-closed container.
	Errors []error
}

// ResolveAll resolves every container in snap using up to workers goroutines.
// Only context cancellation aborts it; policy errors are collected.
func ResolveAll(ctx context.Context, snap Snapshot, workers int) (Resolution, error) {
	if workers < 1 {
		workers = 1
	}

	type slot struct {
		rp  ResolvedPolicy
		ok  bool
		err error
	}
	slots := make([]slot, len(snap.Containers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range snap.Containers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rp, ok, err := Resolve(snap.Containers[i], snap)
			slots[i] = slot{rp: rp, ok: ok, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Resolution{}, err
	}

	var res Resolution
	for _, s := range slots {
		if !s.ok {
			continue
		}
		res.Policies = append(res.Policies, s.rp)
		if s.err != nil {
			res.Errors = append(res.Errors, s.err)
		}
	}
	return res, nil
}

func sortAddrs(addrs []netip.Addr) []netip.Addr {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.IsValid() {
			out = append(out, a.Unmap())
		}
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(out)
}
