// Package fleet provisions and tears down the isolated hosts the sandbox
// server runs inside, using local Docker containers. The execution engine is
// deployed behind whatever endpoint a provisioned host exposes and is
// otherwise unaware of this layer.
package fleet

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	internalnet "github.com/execbox/sandbox/internal/net"
)

const chars = "abcefghijklmnopqrstuvwxyz0123456789"

func init() {
	rand.Seed(time.Now().UnixNano())
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

const serverPort = "8080"

// Fleet provisions sandbox hosts as Docker containers. The underlying host
// must have a Docker daemon running; standard Docker environment variables
// (DOCKER_HOST etc.) configure the client.
type Fleet struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client

	// Image is the container image to run; it must start the sandbox server
	// listening on port 8080 unless SandboxdBin is set.
	Image string
	// SandboxdBin, if set, is bind-mounted into the container and used as the
	// entrypoint, so any base image can serve as a sandbox host.
	SandboxdBin     string
	ContainerPrefix string

	mu          sync.Mutex
	hosts       map[string]*Host
	imagePulled bool
}

// Host is one provisioned sandbox container.
type Host struct {
	Identity      string
	ContainerName string
	ContainerID   string
	HostPort      int

	fleet *Fleet
}

// Endpoint is the base URL the sandbox client should dial.
func (h *Host) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", h.HostPort)
}

// Teardown removes this host's container.
func (h *Host) Teardown(ctx context.Context) error {
	return h.fleet.Teardown(ctx, h.Identity)
}

// WaitReady polls the server's heartbeat endpoint until it answers.
func (h *Host) WaitReady(ctx context.Context) error {
	url := h.Endpoint() + "/heartbeat"
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
}

// New builds a Docker-backed fleet.
func New(image string) (*Fleet, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Fleet{
		Log:             log.Named("fleet").Sugar(),
		DockerClient:    dockerClient,
		Image:           image,
		ContainerPrefix: randString(6),
		hosts:           make(map[string]*Host),
	}, nil
}

func (f *Fleet) WithLogger(l *zap.SugaredLogger) *Fleet {
	f.Log = l.Named("fleet")
	return f
}

func (f *Fleet) WithSandboxdBin(p string) *Fleet {
	f.SandboxdBin = p
	return f
}

func (f *Fleet) ensureImagePulled(ctx context.Context) error {
	f.mu.Lock()
	pulled := f.imagePulled
	f.mu.Unlock()
	if pulled {
		return nil
	}
	out, err := f.DockerClient.ImagePull(ctx, f.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	f.mu.Lock()
	f.imagePulled = true
	f.mu.Unlock()
	return nil
}

// Provision creates and starts a sandbox container for the given identity and
// returns its host handle. The caller should WaitReady before using it.
func (f *Fleet) Provision(ctx context.Context, identity string) (*Host, error) {
	f.mu.Lock()
	if _, exists := f.hosts[identity]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("host %q is already provisioned", identity)
	}
	f.mu.Unlock()

	if err := f.ensureImagePulled(ctx); err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}

	hostPort, err := internalnet.EphemeralTCPPort()
	if err != nil {
		return nil, fmt.Errorf("acquiring ephemeral port: %w", err)
	}

	containerName := fmt.Sprintf("sandbox-%s-%s", f.ContainerPrefix, identity)
	containerConfig := &container.Config{
		Image:        f.Image,
		ExposedPorts: nat.PortSet{serverPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			serverPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}},
		},
	}
	if f.SandboxdBin != "" {
		containerConfig.Entrypoint = []string{"/sandboxd", "--listen-addr", "0.0.0.0:" + serverPort}
		hostConfig.Binds = []string{fmt.Sprintf("%s:/sandboxd", f.SandboxdBin)}
	}

	createResp, err := f.DockerClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("creating Docker container: %w", err)
	}
	if err := f.DockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container %q: %w", createResp.ID, err)
	}

	host := &Host{
		Identity:      identity,
		ContainerName: containerName,
		ContainerID:   createResp.ID,
		HostPort:      hostPort,
		fleet:         f,
	}
	f.mu.Lock()
	f.hosts[identity] = host
	f.mu.Unlock()

	f.Log.Debugw("provisioned sandbox host", "Identity", identity, "Container", containerName, "HostPort", hostPort)
	return host, nil
}

// Teardown force-removes a provisioned host's container.
func (f *Fleet) Teardown(ctx context.Context, identity string) error {
	f.mu.Lock()
	host, ok := f.hosts[identity]
	if ok {
		delete(f.hosts, identity)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no provisioned host %q", identity)
	}
	err := f.DockerClient.ContainerRemove(ctx, host.ContainerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", host.ContainerID, err)
	}
	return nil
}

// Cleanup tears down every host still provisioned.
func (f *Fleet) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	identities := make([]string, 0, len(f.hosts))
	for id := range f.hosts {
		identities = append(identities, id)
	}
	f.mu.Unlock()
	for _, id := range identities {
		if err := f.Teardown(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
