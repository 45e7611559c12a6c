package observer

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

var _ Runtime = (*DockerRuntime)(nil)

// DockerRuntime implements Runtime using the Docker Engine API.
type DockerRuntime struct {
	cli client.APIClient
}

// NewDockerRuntime creates a client from the environment. A non-empty host
// overrides DOCKER_HOST.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// NewDockerRuntimeFromClient wraps an existing Docker client.
func NewDockerRuntimeFromClient(cli client.APIClient) *DockerRuntime {
	return &DockerRuntime{cli: cli}
}

// Close releases the client's connections.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) List(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		var nets map[string]*network.EndpointSettings
		if c.NetworkSettings != nil {
			nets = c.NetworkSettings.Networks
		}
		out = append(out, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Labels:    copyLabels(c.Labels),
			Addresses: endpointAddrs(nets),
			Running:   c.State == "running",
		})
	}
	return out, nil
}

func (r *DockerRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerInfo{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
		}
		return ContainerInfo{}, fmt.Errorf("inspect container %q: %w", id, err)
	}

	ci := ContainerInfo{ID: id}
	if info.ContainerJSONBase != nil {
		ci.ID = info.ID
		ci.Name = info.Name
		ci.Running = info.State != nil && info.State.Running
	}
	if info.Config != nil {
		ci.Labels = copyLabels(info.Config.Labels)
	}
	if info.NetworkSettings != nil {
		ci.Addresses = endpointAddrs(info.NetworkSettings.Networks)
	}
	return ci, nil
}

// containerActions are the container events that can change a registry entry.
var containerActions = map[events.Action]bool{
	events.ActionStart:   true,
	events.ActionDie:     true,
	events.ActionStop:    true,
	events.ActionDestroy: true,
	events.ActionRename:  true,
	events.ActionUpdate:  true,
	events.ActionPause:   true,
	events.ActionUnPause: true,
}

func (r *DockerRuntime) Events(ctx context.Context) (<-chan RuntimeEvent, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("type", string(events.NetworkEventType)),
	)
	msgs, errs := r.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan RuntimeEvent, 64)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				outErr <- err
				return
			case m := <-msgs:
				ev, ok := translate(m)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, outErr
}

// translate maps a Docker event to the container it concerns.
func translate(m events.Message) (RuntimeEvent, bool) {
	switch m.Type {
	case events.ContainerEventType:
		if !containerActions[m.Action] {
			return RuntimeEvent{}, false
		}
		return RuntimeEvent{ContainerID: m.Actor.ID, Action: string(m.Action)}, true
	case events.NetworkEventType:
		if m.Action != events.ActionConnect && m.Action != events.ActionDisconnect {
			return RuntimeEvent{}, false
		}
		id := m.Actor.Attributes["container"]
		if id == "" {
			return RuntimeEvent{}, false
		}
		return RuntimeEvent{ContainerID: id, Action: "network-" + string(m.Action)}, true
	}
	return RuntimeEvent{}, false
}

func endpointAddrs(nets map[string]*network.EndpointSettings) []netip.Addr {
	var out []netip.Addr
	for _, ep := range nets {
		if ep == nil {
			continue
		}
		for _, s := range []string{ep.IPAddress, ep.GlobalIPv6Address} {
			if s == "" {
				continue
			}
			if a, err := netip.ParseAddr(s); err == nil {
				out = append(out, a.Unmap())
			}
		}
	}
	return out
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
