package supervisor

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
)

// nodeLabel is the Docker label every container this package starts
// carries, naming which node's supervisor owns it. Grounded on the
// Docker-Sentinel agent's pattern of narrowing the Docker API down to the
// handful of calls a caller actually needs instead of depending on the
// full client surface directly.
const nodeLabel = "tarsy.node-id"

// containerLister is the narrow slice of the Docker API ListHandles needs
// to recover containers orphaned by a process restart: the in-memory
// running map in containerEngine is itself lost across restarts, so
// anything a crashed process started has to be rediscovered by asking the
// daemon directly, filtered to this node's own label.
type containerLister interface {
	ListByLabel(ctx context.Context, label, nodeID string) ([]string, error)
}

type dockerContainerLister struct {
	cli *dockerclient.Client
}

// newDockerContainerLister dials the local Docker daemon the same way
// testcontainers-go itself does (respecting DOCKER_HOST and friends via
// client.FromEnv). Returns an error if no daemon is reachable; callers
// treat that as "skip cross-restart discovery this tick", not a fatal
// condition, since in-memory discovery still covers the common case.
func newDockerContainerLister() (containerLister, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerContainerLister{cli: cli}, nil
}

func (d *dockerContainerLister) ListByLabel(ctx context.Context, label, nodeID string) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", label+"="+nodeID))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
