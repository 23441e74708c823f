package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const webdriverPort = "4444/tcp"

// Container is a running browser container
type Container struct {
	ID        string
	SessionID string
	Endpoint  string // WebDriver base URL
	Port      string
}

// Pool launches browser containers through the local docker daemon
type Pool struct {
	client *client.Client
	image  string
}

func NewPool(imageName string) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Pool{
		client: cli,
		image:  imageName,
	}, nil
}

func (p *Pool) LaunchContainer(ctx context.Context, sessionID string) (*Container, error) {
	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "browserctl",
		},
		Env: []string{
			"SE_NODE_MAX_SESSIONS=1",
			"SE_NODE_OVERRIDE_MAX_SESSIONS=true",
			"SE_START_XVFB=true",
		},
		ExposedPorts: nat.PortSet{
			webdriverPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			webdriverPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		// Lets the browser reach the session proxy tunnel on the host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
		ShmSize:    2 << 30,
		AutoRemove: false,
	}

	name := "selenium"
	if len(sessionID) >= 8 {
		name = fmt.Sprintf("selenium-%s", sessionID[:8])
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[webdriverPort]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s exposes no webdriver port", resp.ID[:12])
	}
	port := bindings[0].HostPort
	endpoint := fmt.Sprintf("http://localhost:%s/wd/hub", port)

	if err := p.waitForReady(ctx, endpoint); err != nil {
		p.StopContainer(context.Background(), resp.ID)
		return nil, fmt.Errorf("selenium failed to become ready: %w", err)
	}

	return &Container{
		ID:        resp.ID,
		SessionID: sessionID,
		Endpoint:  endpoint,
		Port:      port,
	}, nil
}

func (p *Pool) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := p.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

func (p *Pool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// waitForReady polls the WebDriver /status endpoint
func (p *Pool) waitForReady(ctx context.Context, endpoint string) error {
	maxRetries := 60 // 30 seconds total (60 * 500ms)

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("selenium did not become ready after %d retries", maxRetries)
}
