package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultImage is used when Config.Image is empty.
const DefaultImage = "ghcr.io/re-cinq/agentgate-runner:latest"

const containerWorkdir = "/workspace"

// ContainerProvider creates Docker-backed Sandboxes, per spec.md §4.1(b).
// Grounded directly in cloudshipai-station's DockerBackend/DockerIO: the
// exec/copy-to/copy-from shape is theirs, generalized here with the
// hardening knobs the spec requires that station's sandbox didn't carry —
// no-new-privileges, full capability drop, a process-count limit, and an
// isolated network namespace by default rather than opt-out.
type ContainerProvider struct {
	cli *client.Client

	pullOnce sync.Map // map[string]*sync.Once, one per image

	mu         sync.Mutex
	containers map[string]struct{}
}

// NewContainerProvider dials the local Docker daemon via the standard
// DOCKER_HOST/DOCKER_* environment, negotiating the API version.
func NewContainerProvider() (*ContainerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &ContainerProvider{cli: cli, containers: make(map[string]struct{})}, nil
}

func (p *ContainerProvider) pullOnceFor(img string) *sync.Once {
	once, _ := p.pullOnce.LoadOrStore(img, &sync.Once{})
	return once.(*sync.Once)
}

func (p *ContainerProvider) ensureImage(ctx context.Context, img string) error {
	var pullErr error
	p.pullOnceFor(img).Do(func() {
		if _, _, err := p.cli.ImageInspectWithRaw(ctx, img); err == nil {
			return
		}
		reader, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			pullErr = fmt.Errorf("pulling image %s: %w", img, err)
			return
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	})
	return pullErr
}

func (p *ContainerProvider) Create(ctx context.Context, cfg Config) (Sandbox, error) {
	img := cfg.Image
	if img == "" {
		img = DefaultImage
	}
	if err := p.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	envVars := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{"agentgate.sandbox": "true"}
	if cfg.Label != "" {
		labels["agentgate.label"] = cfg.Label
	}

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        []string{"tail", "-f", "/dev/null"},
		WorkingDir: containerWorkdir,
		Env:        envVars,
		Labels:     labels,
	}

	pidLimit := int64(256)
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    1024 * 1024 * 1024,
			NanoCPUs:  2_000_000_000,
			PidsLimit: &pidLimit,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=256m",
		},
		ReadonlyRootfs: false,
	}
	if cfg.AllowNetwork {
		hostCfg.NetworkMode = "bridge"
	}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}

	if err := p.copyWorkspaceIn(ctx, resp.ID, cfg.WorkspacePath); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}

	p.mu.Lock()
	p.containers[resp.ID] = struct{}{}
	p.mu.Unlock()

	box := &containerSandbox{
		provider:    p,
		containerID: resp.ID,
		status:      StatusRunning,
	}
	return box, nil
}

// copyWorkspaceIn ensures the container's workdir exists. Workspace
// contents themselves are populated by callers (the snapshot/agent
// packages stage files through WriteFile/Execute before anything runs);
// the provider's job stops at guaranteeing containerWorkdir is there.
func (p *ContainerProvider) copyWorkspaceIn(ctx context.Context, containerID, hostPath string) error {
	_, err := p.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd: []string{"mkdir", "-p", containerWorkdir},
	})
	return err
}

// Cleanup removes every container this provider created and still tracks,
// then sweeps any container labeled agentgate.sandbox=true that outlived
// its creating provider instance (a crash-recovery path the subprocess
// provider has no equivalent for).
func (p *ContainerProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.containers))
	for id := range p.containers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && firstErr == nil {
			firstErr = err
		}
		p.mu.Lock()
		delete(p.containers, id)
		p.mu.Unlock()
	}

	orphans, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "agentgate.sandbox=true")),
	})
	if err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("listing labeled containers: %w", err)
		}
		return firstErr
	}
	for _, c := range orphans {
		if err := p.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type containerSandbox struct {
	provider    *ContainerProvider
	containerID string

	mu     sync.Mutex
	status Status
}

func (s *containerSandbox) MountPath() string { return containerWorkdir }

func (s *containerSandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *containerSandbox) Execute(ctx context.Context, cmdName string, args []string, opts ExecOpts) (ExecResult, error) {
	if s.Status() != StatusRunning {
		return ExecResult{}, fmt.Errorf("sandbox: execute on %s sandbox", s.status)
	}

	cwd := containerWorkdir
	if opts.Cwd != "" {
		resolved, err := ResolveInMount(containerWorkdir, opts.Cwd)
		if err != nil {
			return ExecResult{}, err
		}
		cwd = resolved
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	full := cmdName
	if len(args) > 0 {
		full = cmdName + " " + strings.Join(args, " ")
	}
	shellCmd := []string{
		"timeout", fmt.Sprintf("%d", int(timeout.Seconds())),
		"sh", "-c", full,
	}

	envVars := append([]string{}, opts.Env...)

	execCfg := container.ExecOptions{
		Cmd:          shellCmd,
		WorkingDir:   cwd,
		Env:          envVars,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  len(opts.Stdin) > 0,
	}

	start := time.Now()
	execResp, err := s.provider.cli.ContainerExecCreate(ctx, s.containerID, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec: %w", err)
	}

	attachResp, err := s.provider.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attachResp.Close()

	if len(opts.Stdin) > 0 {
		_, _ = attachResp.Conn.Write(opts.Stdin)
		_ = attachResp.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
	}

	inspectResp, err := s.provider.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspecting exec: %w", err)
	}

	return ExecResult{
		ExitCode:   inspectResp.ExitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimedOut:   inspectResp.ExitCode == 124,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func (s *containerSandbox) WriteFile(relPath string, content []byte) error {
	resolved, err := ResolveInMount(containerWorkdir, relPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	dir := filepath.Dir(resolved)
	if _, err := s.provider.cli.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		Cmd: []string{"mkdir", "-p", dir},
	}); err == nil {
		// best effort; CopyToContainer below will fail loudly if the dir is missing
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    filepath.Base(resolved),
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("writing tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}

	return s.provider.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{
		AllowOverwriteDirWithFile: true,
	})
}

func (s *containerSandbox) ReadFile(relPath string) ([]byte, error) {
	resolved, err := ResolveInMount(containerWorkdir, relPath)
	if err != nil {
		return nil, err
	}

	reader, _, err := s.provider.cli.CopyFromContainer(context.Background(), s.containerID, resolved)
	if err != nil {
		return nil, fmt.Errorf("copying from container: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("reading tar header: %w", err)
	}
	return io.ReadAll(tr)
}

func (s *containerSandbox) ListFiles(relPath string) ([]FileEntry, error) {
	resolved, err := ResolveInMount(containerWorkdir, relPath)
	if err != nil {
		return nil, err
	}

	result, err := s.Execute(context.Background(), "find", []string{
		resolved, "-maxdepth", "1", "-mindepth", "1", "-printf", "%y %s %P\\n",
	}, ExecOpts{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("listing %s: %s", relPath, result.Stderr)
	}

	var entries []FileEntry
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			continue
		}
		var size int64
		fmt.Sscanf(parts[1], "%d", &size)
		entries = append(entries, FileEntry{
			Name:  parts[2],
			Path:  filepath.Join(relPath, parts[2]),
			IsDir: parts[0] == "d",
			Size:  size,
		})
	}
	return entries, nil
}

func (s *containerSandbox) GetStats(ctx context.Context) (Stats, error) {
	resp, err := s.provider.cli.ContainerStats(ctx, s.containerID, false)
	if err != nil {
		return Stats{}, fmt.Errorf("reading container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw containerStatsJSON
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return Stats{}, fmt.Errorf("decoding container stats: %w", err)
	}

	var netRx, netTx int64
	for _, n := range raw.Networks {
		netRx += n.RxBytes
		netTx += n.TxBytes
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.Total - raw.PreCPUStats.CPUUsage.Total)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	var cpuPct float64
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPct = (cpuDelta / sysDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage)) * 100.0
	}

	return Stats{
		CPUPercent: cpuPct,
		MemBytes:   int64(raw.MemoryStats.Usage),
		NetRxBytes: netRx,
		NetTxBytes: netTx,
	}, nil
}

// containerStatsJSON mirrors the subset of Docker's stats payload GetStats
// needs; decoded manually rather than via the docker/docker types package
// to avoid pulling in its full (and frequently API-version-sensitive)
// stats struct for three fields.
type containerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			Total       uint64   `json:"total_usage"`
			PercpuUsage []uint64 `json:"percpu_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			Total uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes int64 `json:"rx_bytes"`
		TxBytes int64 `json:"tx_bytes"`
	} `json:"networks"`
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func (s *containerSandbox) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDestroyed {
		return nil
	}
	err := s.provider.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	s.status = StatusDestroyed
	s.provider.mu.Lock()
	delete(s.provider.containers, s.containerID)
	s.provider.mu.Unlock()
	if err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}
