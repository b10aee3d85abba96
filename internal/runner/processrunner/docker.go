package processrunner

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// dockerBackend spawns one long-lived container per session, attaching to
// its stdio, instead of running the agent binary directly on the host.
type dockerBackend struct {
	cli      *client.Client
	agentBin string
	image    string
}

func newDockerBackend(agentBin, image string) (*dockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		return nil, fmt.Errorf("docker backend requires an image")
	}
	return &dockerBackend{cli: cli, agentBin: agentBin, image: image}, nil
}

func (b *dockerBackend) spawn(ctx context.Context, workDir, title string) (spawned, error) {
	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:        b.image,
		Cmd:          []string{b.agentBin, "--session-title", title},
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
	}, &container.HostConfig{
		Binds:      []string{fmt.Sprintf("%s:/workspace", workDir)},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return spawned{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	attach, err := b.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
	})
	if err != nil {
		return spawned{}, fmt.Errorf("attach container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		return spawned{}, fmt.Errorf("start container: %w", err)
	}

	return spawned{
		stdin:  attach.Conn,
		stdout: io.NopCloser(attach.Reader),
		close: func() error {
			attach.Close()
			return b.cli.ContainerKill(context.Background(), containerID, "SIGKILL")
		},
	}, nil
}
