// Package docker provisions containerized execution hosts through the Docker SDK.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

const (
	// LabelManaged marks containers created by the controller.
	LabelManaged = "gnunae.managed"
	// LabelTaskID records the task a container was started for.
	LabelTaskID = "gnunae.task_id"

	stopTimeout = 10 * time.Second
	bindAddress = "127.0.0.1"
)

// Container is a running host container and the loopback port its control
// protocol is published on.
type Container struct {
	ID       string
	Name     string
	HostPort int
}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log = log.WithFields(zap.String("component", "docker"))
	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// EnsureImage pulls the host image unless it is already present.
func (c *Client) EnsureImage(ctx context.Context) error {
	if _, err := c.cli.ImageInspect(ctx, c.config.Image); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", c.config.Image, err)
	}

	c.logger.Info("Pulling image", zap.String("image", c.config.Image))
	reader, err := c.cli.ImagePull(ctx, c.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", c.config.Image, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull only completes once its progress stream is consumed.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	c.logger.Info("Image pulled", zap.String("image", c.config.Image))
	return nil
}

// StartHost creates and starts one auto-removed host container for taskID,
// publishing the control port on an ephemeral loopback port.
func (c *Client) StartHost(ctx context.Context, name, taskID string) (*Container, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(c.config.ContainerPort))
	if err != nil {
		return nil, fmt.Errorf("invalid container port %d: %w", c.config.ContainerPort, err)
	}

	containerCfg := &container.Config{
		Image:        c.config.Image,
		Env:          c.containerEnv(),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelTaskID:  taskID,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove:   true,
		NetworkMode:  container.NetworkMode(c.config.Network),
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: bindAddress, HostPort: "0"}}},
		Resources:    container.Resources{Memory: c.config.Memory},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	c.logger.Info("Container created", zap.String("container_id", resp.ID), zap.String("name", name))

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.removeQuietly(resp.ID)
		return nil, fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	hostPort, err := c.publishedPort(ctx, resp.ID, port)
	if err != nil {
		c.removeQuietly(resp.ID)
		return nil, err
	}

	c.logger.Info("Host container started",
		zap.String("container_id", resp.ID),
		zap.Int("host_port", hostPort))
	return &Container{ID: resp.ID, Name: name, HostPort: hostPort}, nil
}

// RemoveHost stops and removes a host container. A container that is
// already gone is not an error.
func (c *Client) RemoveHost(ctx context.Context, containerID string) error {
	timeout := int(stopTimeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		c.logger.Warn("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
	}
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	c.logger.Info("Host container removed", zap.String("container_id", containerID))
	return nil
}

func (c *Client) publishedPort(ctx context.Context, containerID string, port nat.Port) (int, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	if inspect.NetworkSettings == nil {
		return 0, fmt.Errorf("container %s has no network settings", containerID)
	}
	for _, binding := range inspect.NetworkSettings.Ports[port] {
		if p, err := strconv.Atoi(binding.HostPort); err == nil && p > 0 {
			return p, nil
		}
	}
	return 0, fmt.Errorf("container %s does not publish port %s", containerID, port)
}

func (c *Client) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := c.RemoveHost(ctx, containerID); err != nil {
		c.logger.Warn("Failed to clean up container", zap.String("container_id", containerID), zap.Error(err))
	}
}

// containerEnv renders the configured environment in a stable order and
// pins the host's listen port to the exposed one.
func (c *Client) containerEnv() []string {
	keys := make([]string, 0, len(c.config.Env))
	for k := range c.config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		env = append(env, k+"="+c.config.Env[k])
	}
	return append(env, "GNUNAE_HOST_PORT="+strconv.Itoa(c.config.ContainerPort))
}
