package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/revertd/revertd/types"
)

// backupImage is the throwaway container image used for volume archives.
const backupImage = "alpine:3"

func init() {
	Register("docker-volume", newVolumeProducers)
	Register("docker-db", newDatabaseProducers)
}

func newDockerClient() (client.APIClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func newVolumeProducers(cfg Config) ([]Producer, error) {
	if len(cfg.Volumes) == 0 {
		return nil, nil
	}
	docker, err := newDockerClient()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	producers := make([]Producer, 0, len(cfg.Volumes))
	for _, volume := range cfg.Volumes {
		producers = append(producers, &VolumeProducer{docker: docker, volume: volume})
	}
	return producers, nil
}

func newDatabaseProducers(cfg Config) ([]Producer, error) {
	if len(cfg.Databases) == 0 {
		return nil, nil
	}
	docker, err := newDockerClient()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	producers := make([]Producer, 0, len(cfg.Databases))
	for _, spec := range cfg.Databases {
		producers = append(producers, &DatabaseProducer{docker: docker, spec: spec})
	}
	return producers, nil
}

// VolumeProducer archives one named Docker volume by running a
// throwaway container with the volume and the backup directory mounted.
type VolumeProducer struct {
	docker client.APIClient
	volume string
}

func (p *VolumeProducer) Kind() string { return "docker-volume" }

func (p *VolumeProducer) Describe() string { return "docker volume " + p.volume }

func (p *VolumeProducer) archiveName() string { return p.volume + ".tar.gz" }

func (p *VolumeProducer) Capture(ctx context.Context, dir string) (types.PayloadEntry, error) {
	entry := types.PayloadEntry{Producer: p.Kind(), Name: p.volume}

	// Bind mounts need an absolute host path.
	abs, err := filepath.Abs(dir)
	if err != nil {
		return entry, fmt.Errorf("resolve backup dir: %w", err)
	}

	name := fmt.Sprintf("revertd-backup-%s-%d", p.volume, time.Now().Unix())
	binds := []string{
		p.volume + ":/volume:ro",
		abs + ":/backup",
	}
	cmd := []string{"tar", "czf", "/backup/" + p.archiveName(), "-C", "/volume", "."}

	if err := runOneShot(ctx, p.docker, name, binds, cmd); err != nil {
		return entry, fmt.Errorf("archive volume %s: %w", p.volume, err)
	}

	entry.Detail = p.archiveName()
	return entry, nil
}

func (p *VolumeProducer) Restore(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve backup dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, p.archiveName())); err != nil {
		return fmt.Errorf("volume backup for %s: %w", p.volume, err)
	}

	name := fmt.Sprintf("revertd-restore-%s-%d", p.volume, time.Now().Unix())
	binds := []string{
		p.volume + ":/volume",
		abs + ":/backup:ro",
	}
	cmd := []string{"sh", "-c", "cd /volume && tar xzf /backup/" + p.archiveName()}

	if err := runOneShot(ctx, p.docker, name, binds, cmd); err != nil {
		return fmt.Errorf("restore volume %s: %w", p.volume, err)
	}
	return nil
}

// DatabaseProducer dumps one database from a running container with the
// engine's own dump tool and feeds the dump back through it on restore.
type DatabaseProducer struct {
	docker client.APIClient
	spec   DatabaseSpec
}

func (p *DatabaseProducer) Kind() string { return "docker-db" }

func (p *DatabaseProducer) Describe() string {
	return fmt.Sprintf("%s database %s in container %s", p.spec.Engine, p.spec.Name, p.spec.Container)
}

func (p *DatabaseProducer) dumpName() string { return p.spec.Container + "-" + p.spec.Name + ".sql" }

func (p *DatabaseProducer) user() string {
	if p.spec.User != "" {
		return p.spec.User
	}
	if p.spec.Engine == "mysql" {
		return "root"
	}
	return "postgres"
}

func (p *DatabaseProducer) Capture(ctx context.Context, dir string) (types.PayloadEntry, error) {
	entry := types.PayloadEntry{Producer: p.Kind(), Name: p.spec.Container + "/" + p.spec.Name}

	var cmd []string
	switch p.spec.Engine {
	case "postgres":
		cmd = []string{"pg_dump", "-U", p.user(), "-d", p.spec.Name, "--no-password"}
	case "mysql":
		cmd = []string{"mysqldump", "-u", p.user(), p.spec.Name}
	default:
		return entry, fmt.Errorf("unsupported database engine %q", p.spec.Engine)
	}

	dump, err := execCapture(ctx, p.docker, p.spec.Container, cmd...)
	if err != nil {
		return entry, fmt.Errorf("dump %s: %w", p.spec.Name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, p.dumpName()), dump, 0o600); err != nil {
		return entry, fmt.Errorf("write dump: %w", err)
	}

	entry.Detail = p.dumpName()
	return entry, nil
}

func (p *DatabaseProducer) Restore(ctx context.Context, dir string) error {
	dump, err := os.ReadFile(filepath.Join(dir, p.dumpName()))
	if err != nil {
		return fmt.Errorf("read dump for %s: %w", p.spec.Name, err)
	}

	var cmd []string
	switch p.spec.Engine {
	case "postgres":
		cmd = []string{"psql", "-U", p.user(), "-d", p.spec.Name}
	case "mysql":
		cmd = []string{"mysql", "-u", p.user(), p.spec.Name}
	default:
		return fmt.Errorf("unsupported database engine %q", p.spec.Engine)
	}

	if err := execFeed(ctx, p.docker, p.spec.Container, dump, cmd...); err != nil {
		return fmt.Errorf("restore %s: %w", p.spec.Name, err)
	}
	return nil
}

// runOneShot runs a single command in a disposable container, waits for
// it to exit, and removes it.
func runOneShot(ctx context.Context, docker client.APIClient, name string, binds, cmd []string) error {
	containerCfg := &container.Config{
		Image: backupImage,
		Cmd:   cmd,
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
	}

	if err := createAndStart(ctx, docker, name, backupImage, containerCfg, hostCfg); err != nil {
		return err
	}
	defer func() { _ = stopAndRemove(context.Background(), docker, name) }()

	waitCh, errCh := docker.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case status := <-waitCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("container %s: exit code %d", name, status.StatusCode)
		}
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("wait for container %s: %w", name, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// createAndStart creates a container and starts it. If the image is not
// found locally, it pulls the image and retries the create.
func createAndStart(ctx context.Context, docker client.APIClient, name, img string, containerCfg *container.Config, hostCfg *container.HostConfig) error {
	_, err := docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("create container: %w", err)
		}
		if err := pullImage(ctx, docker, img); err != nil {
			return err
		}
		if _, err = docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name); err != nil {
			return fmt.Errorf("create container after pull: %w", err)
		}
	}

	if err := docker.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// pullImage pulls an image and drains the response to completion.
func pullImage(ctx context.Context, docker client.APIClient, img string) error {
	resp, err := docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer resp.Close()
	if _, err := io.Copy(io.Discard, resp); err != nil {
		return fmt.Errorf("pull image %s: read response: %w", img, err)
	}
	return nil
}

// stopAndRemove stops and removes a container. Both operations are
// idempotent, NotFound errors are silently ignored.
func stopAndRemove(ctx context.Context, docker client.APIClient, name string) error {
	if err := docker.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("stop container %s: %w", name, err)
		}
	}
	if err := docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", name, err)
		}
	}
	return nil
}

// execCapture runs a command inside the named container and returns its
// stdout. Stderr is captured separately for error reporting.
func execCapture(ctx context.Context, docker client.APIClient, name string, cmd ...string) ([]byte, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := docker.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec %v: %w", cmd, err)
	}

	attach, err := docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %v: %w", cmd, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output %v: %w", cmd, err)
	}

	info, err := docker.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %v: %w", cmd, err)
	}
	if info.ExitCode != 0 {
		return nil, fmt.Errorf("exec %v: exit code %d: %s", cmd, info.ExitCode, stderr.String())
	}

	return stdout.Bytes(), nil
}

// execFeed runs a command inside the named container with stdin fed
// from input.
func execFeed(ctx context.Context, docker client.APIClient, name string, input []byte, cmd ...string) error {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := docker.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return fmt.Errorf("create exec %v: %w", cmd, err)
	}

	attach, err := docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("attach exec %v: %w", cmd, err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(input); err != nil {
		return fmt.Errorf("write exec stdin %v: %w", cmd, err)
	}
	if err := attach.CloseWrite(); err != nil {
		return fmt.Errorf("close exec stdin %v: %w", cmd, err)
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return fmt.Errorf("read exec output %v: %w", cmd, err)
	}

	info, err := docker.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("inspect exec %v: %w", cmd, err)
	}
	if info.ExitCode != 0 {
		return fmt.Errorf("exec %v: exit code %d: %s", cmd, info.ExitCode, stderr.String())
	}
	return nil
}
