package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

const (
	podmanLabelPrefix = "reflexive"
	podmanLabelID     = podmanLabelPrefix + ".id"
	podmanNamePrefix  = "rflx"
	podmanDefaultImage = "docker.io/library/ubuntu:22.04"
)

// PodmanProvider drives sandbox lifecycle via the podman CLI. It is the
// default Provider for local and self-hosted deployments.
type PodmanProvider struct {
	binaryPath string
	dataDir    string

	mu       sync.RWMutex
	sandboxes map[string]*podmanEntry
}

type podmanEntry struct {
	instance      *types.SandboxInstance
	containerName string
}

// NewPodmanProvider verifies podman is on PATH and returns a ready provider.
func NewPodmanProvider(dataDir string) (*PodmanProvider, error) {
	path, err := exec.LookPath("podman")
	if err != nil {
		return nil, fmt.Errorf("sandbox: podman not found in PATH: %w", err)
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("sandbox: create data dir: %w", err)
		}
	}
	return &PodmanProvider{
		binaryPath: path,
		dataDir:    dataDir,
		sandboxes:  make(map[string]*podmanEntry),
	}, nil
}

func (p *PodmanProvider) Name() string { return "podman" }

func (p *PodmanProvider) run(ctx context.Context, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, p.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return stdout.String(), stderr.String(), exitCode, err
}

// Create starts a new container, applying the security-hardened defaults
// the opencomputer podman client ships with: all capabilities dropped,
// user-mode (slirp4netns) networking, a bounded pid count.
func (p *PodmanProvider) Create(ctx context.Context, cfg types.SandboxConfig) (*types.SandboxInstance, error) {
	id := uuid.New().String()[:12]
	name := fmt.Sprintf("%s-%s", podmanNamePrefix, id)

	image := podmanDefaultImage
	if cfg.Template != "" {
		image = cfg.Template
	}

	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	cpuCount := cfg.CPUCount
	if cpuCount <= 0 {
		cpuCount = 1
	}

	args := []string{
		"create", "--name", name,
		"--label", podmanLabelID + "=" + id,
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--cpus", strconv.Itoa(cpuCount),
		"--pids-limit", "256",
		"--cap-drop", "ALL",
		"--network", "slirp4netns",
	}
	for k, v := range cfg.Env {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, v))
	}
	if p.dataDir != "" {
		hostDir := filepath.Join(p.dataDir, id, "workspace")
		if err := os.MkdirAll(hostDir, 0o700); err != nil {
			return nil, fmt.Errorf("sandbox: create workspace dir: %w", err)
		}
		args = append(args, "--volume", hostDir+":/workspace")
	}
	args = append(args, "--entrypoint", "/bin/sleep", image, "infinity")

	_, stderr, exitCode, err := p.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("sandbox: podman create: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("sandbox: podman create failed: %s", strings.TrimSpace(stderr))
	}

	if _, stderr, exitCode, err := p.run(ctx, "start", name); err != nil || exitCode != 0 {
		if err == nil {
			err = fmt.Errorf("exit %d: %s", exitCode, strings.TrimSpace(stderr))
		}
		return nil, fmt.Errorf("sandbox: podman start: %w", err)
	}

	instance := &types.SandboxInstance{
		ID:        id,
		Status:    types.SandboxStatusRunning,
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	started := time.Now()
	instance.StartedAt = &started

	p.mu.Lock()
	p.sandboxes[id] = &podmanEntry{instance: instance, containerName: name}
	p.mu.Unlock()

	if cfg.DiskQuotaMB > 0 {
		p.setDiskQuota(id, cfg.DiskQuotaMB)
	}

	return instance, nil
}

func (p *PodmanProvider) lookup(id string) (*podmanEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown sandbox %s", id)
	}
	return e, nil
}

func (p *PodmanProvider) Kill(ctx context.Context, id string) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	_, _, _, _ = p.run(ctx, "rm", "-f", e.containerName)
	p.removeDiskQuota(id)

	p.mu.Lock()
	e.instance.Status = types.SandboxStatusStopped
	stopped := time.Now()
	e.instance.StoppedAt = &stopped
	p.mu.Unlock()
	return nil
}

func (p *PodmanProvider) Status(ctx context.Context, id string) (types.SandboxStatus, error) {
	e, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	stdout, _, exitCode, err := p.run(ctx, "inspect", "--format", "{{.State.Status}}", e.containerName)
	if err != nil || exitCode != 0 {
		return types.SandboxStatusError, nil
	}
	switch strings.TrimSpace(stdout) {
	case "running":
		return types.SandboxStatusRunning, nil
	case "exited", "stopped":
		return types.SandboxStatusStopped, nil
	default:
		return types.SandboxStatusError, nil
	}
}

func (p *PodmanProvider) Exec(ctx context.Context, id, command string, args []string, timeout int) (ExecResult, error) {
	e, err := p.lookup(id)
	if err != nil {
		return ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = 30
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	execArgs := append([]string{"exec", e.containerName, command}, args...)
	stdout, stderr, exitCode, err := p.run(execCtx, execArgs...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: podman exec: %w", err)
	}
	return ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func (p *PodmanProvider) ReadFile(ctx context.Context, id, path string) (string, error) {
	res, err := p.Exec(ctx, id, "cat", []string{path}, 15)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sandbox: read %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (p *PodmanProvider) WriteFile(ctx context.Context, id, path, content string) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, p.binaryPath, "exec", "-i", e.containerName, "sh", "-c", "cat > "+shellQuote(path))
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox: write %s: %s: %w", path, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (p *PodmanProvider) ListDir(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	res, err := p.Exec(ctx, id, "sh", []string{"-c", fmt.Sprintf("find %s -maxdepth 1 -mindepth 1 -printf '%%y\\t%%s\\t%%f\\n'", shellQuote(path))}, 15)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sandbox: listdir %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	var entries []types.EntryInfo
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		entries = append(entries, types.EntryInfo{
			Name:  fields[2],
			IsDir: fields[0] == "d",
			Size:  size,
			Path:  filepath.Join(path, fields[2]),
		})
	}
	return entries, nil
}

func (p *PodmanProvider) RemovePath(ctx context.Context, id, path string) error {
	res, err := p.Exec(ctx, id, "rm", []string{"-rf", path}, 15)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sandbox: remove %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (p *PodmanProvider) Stats(ctx context.Context, id string) (Stats, error) {
	e, err := p.lookup(id)
	if err != nil {
		return Stats{}, err
	}
	stdout, _, exitCode, err := p.run(ctx, "stats", "--no-stream", "--format", "json", e.containerName)
	if err != nil || exitCode != 0 {
		return Stats{}, fmt.Errorf("sandbox: podman stats failed")
	}
	var raw []struct {
		CPU    string `json:"CPU"`
		MemUsage string `json:"MemUsage"`
		PIDs   string `json:"PIDs"`
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil || len(raw) == 0 {
		return Stats{}, nil
	}
	cpuPct, _ := strconv.ParseFloat(strings.TrimSuffix(raw[0].CPU, "%"), 64)
	pids, _ := strconv.Atoi(raw[0].PIDs)
	return Stats{CPUPercent: cpuPct, PIDs: pids}, nil
}

func (p *PodmanProvider) Close() error { return nil }

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
