package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/guseggert/enginewire/internal/net"
	"github.com/guseggert/enginewire/launch"
	"github.com/guseggert/enginewire/transport"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	Platform         *specs.Platform
}

// Launcher runs the engine in a Docker container, one container per launch.
// By default the engine speaks the protocol on the container's stdio, reached through a Docker attach.
// With WebSocketPort set, the engine is expected to listen on that port instead, which is published on
// an ephemeral loopback port of the host.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Launcher struct {
	Log          *zap.SugaredLogger
	DockerClient *client.Client
	Image        string
	// Entrypoint overrides the image's entrypoint.
	Entrypoint []string
	Cmd        []string
	Env        []string

	WebSocketPort  int
	WebSocketPath  string
	MessageFraming bool

	ContainerPrefix       string
	RemoveContainers      bool
	CreateContainerConfig func(*CreateContainerConfig) error

	mut         sync.Mutex
	imagePulled bool
	counter     int
}

// NewLauncher builds a launcher for image, with a Docker client configured from the environment.
func NewLauncher(image string) (*Launcher, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &Launcher{
		Log:              zap.NewNop().Sugar(),
		DockerClient:     dockerClient,
		Image:            image,
		Cmd:              launch.DefaultDriverArgs,
		ContainerPrefix:  uuid.NewString()[:8],
		RemoveContainers: true,
	}, nil
}

func MustNewLauncher(image string) *Launcher {
	l, err := NewLauncher(image)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Launcher) WithLogger(log *zap.SugaredLogger) *Launcher {
	l.Log = log.Named("docker_launcher")
	return l
}

func (l *Launcher) WithWebSocket(port int, path string) *Launcher {
	l.WebSocketPort = port
	l.WebSocketPath = path
	return l
}

func (l *Launcher) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Launcher {
	l.CreateContainerConfig = f
	return l
}

func (l *Launcher) ensureImagePulled(ctx context.Context) error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.imagePulled {
		return nil
	}
	out, err := l.DockerClient.ImagePull(ctx, l.Image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	l.imagePulled = true
	return nil
}

func (l *Launcher) containerName() string {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.counter++
	return fmt.Sprintf("enginewire-%s-%d", l.ContainerPrefix, l.counter)
}

func (l *Launcher) Launch(ctx context.Context) (transport.Transport, error) {
	err := l.ensureImagePulled(ctx)
	if err != nil {
		return nil, fmt.Errorf("pulling image: %w", err)
	}
	if l.WebSocketPort != 0 {
		return l.launchWebSocket(ctx)
	}
	return l.launchStdio(ctx)
}

func (l *Launcher) create(ctx context.Context, ccConfig *CreateContainerConfig) (string, error) {
	if l.CreateContainerConfig != nil {
		err := l.CreateContainerConfig(ccConfig)
		if err != nil {
			return "", fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}
	createResp, err := l.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		ccConfig.Platform,
		ccConfig.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating Docker container: %w", err)
	}
	l.Log.Debugw("created container", "Name", ccConfig.Name, "ID", createResp.ID)
	return createResp.ID, nil
}

// remover returns the closer that removes the container when the transport closes.
func (l *Launcher) remover(containerID string) func() error {
	return func() error {
		if !l.RemoveContainers {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := l.DockerClient.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil {
			return fmt.Errorf("removing container %q: %w", containerID, err)
		}
		return nil
	}
}

func (l *Launcher) launchStdio(ctx context.Context) (transport.Transport, error) {
	ccConfig := &CreateContainerConfig{
		Name: l.containerName(),
		ContainerConfig: &container.Config{
			Image:        l.Image,
			Entrypoint:   l.Entrypoint,
			Cmd:          l.Cmd,
			Env:          l.Env,
			OpenStdin:    true,
			StdinOnce:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: &container.HostConfig{},
	}
	containerID, err := l.create(ctx, ccConfig)
	if err != nil {
		return nil, err
	}
	remove := l.remover(containerID)

	// attach before starting, so no output is lost
	hijacked, err := l.DockerClient.ContainerAttach(ctx, containerID, types.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		remove()
		return nil, fmt.Errorf("attaching to container %q: %w", containerID, err)
	}

	err = l.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		hijacked.Close()
		remove()
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijacked.Reader)
		if err != nil {
			l.Log.Debugf("demultiplexing container output: %s", err)
		}
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return transport.NewStream(stdoutR, &attachWriter{hijacked: hijacked},
		transport.WithLogger(l.Log),
		transport.WithStderr(stderrR),
		transport.WithCloser(func() error {
			hijacked.Close()
			return remove()
		}),
	), nil
}

// attachWriter is the container's stdin. Closing it half-closes the attach connection, which closes stdin.
type attachWriter struct {
	hijacked types.HijackedResponse
}

func (w *attachWriter) Write(b []byte) (int, error) {
	return w.hijacked.Conn.Write(b)
}

func (w *attachWriter) Close() error {
	return w.hijacked.CloseWrite()
}

func (l *Launcher) launchWebSocket(ctx context.Context) (transport.Transport, error) {
	hostPort, err := net.EphemeralPort()
	if err != nil {
		return nil, fmt.Errorf("acquiring ephemeral port: %w", err)
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(l.WebSocketPort))
	if err != nil {
		return nil, fmt.Errorf("building container port: %w", err)
	}

	ccConfig := &CreateContainerConfig{
		Name: l.containerName(),
		ContainerConfig: &container.Config{
			Image:        l.Image,
			Entrypoint:   l.Entrypoint,
			Cmd:          l.Cmd,
			Env:          l.Env,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		HostConfig: &container.HostConfig{
			PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
		},
	}
	containerID, err := l.create(ctx, ccConfig)
	if err != nil {
		return nil, err
	}
	remove := l.remover(containerID)

	err = l.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		remove()
		return nil, fmt.Errorf("starting container %q: %w", containerID, err)
	}

	opts := []transport.Option{
		transport.WithLogger(l.Log),
		transport.WithCloser(remove),
		transport.WithDialRetries(50),
	}
	if l.MessageFraming {
		opts = append(opts, transport.WithMessageFraming())
	}
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", hostPort, l.WebSocketPath)
	tr, err := transport.DialWebSocket(ctx, url, opts...)
	if err != nil {
		remove()
		return nil, err
	}
	return tr, nil
}
