package observer

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
)

// FakeRuntime is an in-memory Runtime for tests.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]ContainerInfo
	subs       map[*fakeSub]struct{}
	listErr    error
	listCalls  int
}

type fakeSub struct {
	events chan RuntimeEvent
	errs   chan error
}

// NewFakeRuntime returns a runtime with no containers.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]ContainerInfo),
		subs:       make(map[*fakeSub]struct{}),
	}
}

// Put starts or updates a container and notifies subscribers.
func (f *FakeRuntime) Put(info ContainerInfo) {
	f.PutSilently(info)
	f.notify(RuntimeEvent{ContainerID: info.ID, Action: "start"})
}

// PutSilently changes a container without emitting an event.
func (f *FakeRuntime) PutSilently(info ContainerInfo) {
	info.Running = true
	f.mu.Lock()
	f.containers[info.ID] = cloneInfo(info)
	f.mu.Unlock()
}

// Remove destroys a container and notifies subscribers.
func (f *FakeRuntime) Remove(id string) {
	f.RemoveSilently(id)
	f.notify(RuntimeEvent{ContainerID: id, Action: "destroy"})
}

// RemoveSilently destroys a container without emitting an event.
func (f *FakeRuntime) RemoveSilently(id string) {
	f.mu.Lock()
	delete(f.containers, id)
	f.mu.Unlock()
}

// Disconnect fails every open event stream with err.
func (f *FakeRuntime) Disconnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.errs <- err
		delete(f.subs, s)
	}
}

// SetListError makes List fail until cleared with nil.
func (f *FakeRuntime) SetListError(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

// Subscribers returns the number of open event streams.
func (f *FakeRuntime) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// ListCalls returns how many times List was called.
func (f *FakeRuntime) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *FakeRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, cloneInfo(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ContainerInfo{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	return cloneInfo(c), nil
}

func (f *FakeRuntime) Events(ctx context.Context) (<-chan RuntimeEvent, <-chan error) {
	s := &fakeSub{
		events: make(chan RuntimeEvent, 256),
		errs:   make(chan error, 1),
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
	}()
	return s.events, s.errs
}

func (f *FakeRuntime) notify(ev RuntimeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		select {
		case s.events <- ev:
		default:
		}
	}
}

func cloneInfo(c ContainerInfo) ContainerInfo {
	c.Labels = copyLabels(c.Labels)
	c.Addresses = append([]netip.Addr(nil), c.Addresses...)
	return c
}
