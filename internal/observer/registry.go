package observer

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"grimm.is/harborshield/internal/events"
	"grimm.is/harborshield/internal/policy"
)

// Change is one registry mutation.
type Change struct {
	Type events.EventType
	ID   string
	Name string
}

// Registry is the set of running containers known to the observer.
type Registry struct {
	mu          sync.RWMutex
	labelPrefix string
	byID        map[string]policy.Container
}

// NewRegistry creates an empty registry that parses policies under labelPrefix.
func NewRegistry(labelPrefix string) *Registry {
	return &Registry{
		labelPrefix: labelPrefix,
		byID:        make(map[string]policy.Container),
	}
}

// Upsert records info. Stopped containers are removed.
func (r *Registry) Upsert(info ContainerInfo) (Change, bool) {
	if !info.Running {
		return r.Remove(info.ID)
	}

	c := policy.NewContainer(info.ID, info.Name, copyLabels(info.Labels), info.Addresses, r.labelPrefix)

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.byID[c.ID]
	if exists && sameContainer(old, c) {
		return Change{}, false
	}
	r.byID[c.ID] = c

	t := events.EventContainerAdded
	if exists {
		t = events.EventContainerUpdated
	}
	return Change{Type: t, ID: c.ID, Name: c.Name}, true
}

// Remove forgets a container.
func (r *Registry) Remove(id string) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[id]
	if !ok {
		return Change{}, false
	}
	delete(r.byID, id)
	return Change{Type: events.EventContainerRemoved, ID: id, Name: old.Name}, true
}

// Replace makes the registry match a full listing and returns the changes,
// ordered by container ID.
func (r *Registry) Replace(list []ContainerInfo) []Change {
	seen := make(map[string]bool, len(list))
	var changes []Change
	for _, info := range list {
		if !info.Running {
			continue
		}
		seen[info.ID] = true
		if ch, ok := r.Upsert(info); ok {
			changes = append(changes, ch)
		}
	}

	r.mu.RLock()
	var gone []string
	for id := range r.byID {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range gone {
		if ch, ok := r.Remove(id); ok {
			changes = append(changes, ch)
		}
	}

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].ID < changes[j].ID })
	return changes
}

// Snapshot returns a deep copy of the registry.
func (r *Registry) Snapshot() policy.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return policy.NewSnapshot(slices.Collect(maps.Values(r.byID)))
}

// Len returns the number of registered containers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func sameContainer(a, b policy.Container) bool {
	return a.Name == b.Name &&
		maps.Equal(a.Labels, b.Labels) &&
		slices.Equal(a.Addresses, b.Addresses)
}
