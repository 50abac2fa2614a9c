// Package sandbox materializes per-task workspaces and validates every
// command or file operation an agent requests against the sandbox policy
// before it is allowed to touch the filesystem.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
)

type ResourceLimits = config.ResourceLimits

var subdirs = []string{"workspace", "logs", "temp", "output"}

type Sandbox struct {
	ID            string          `json:"id"`
	AgentType     models.TaskType `json:"agent_type"`
	Root          string          `json:"root"`
	WorkspacePath string          `json:"workspace_path"`
	Restrictions  Restrictions    `json:"restrictions"`
	Limits        ResourceLimits  `json:"resource_limits"`
	CreatedAt     time.Time       `json:"created_at"`

	// mu serializes every operation touching this sandbox's tree.
	mu      sync.Mutex
	lastRun *Outcome
}

func (s *Sandbox) logsDir() string { return filepath.Join(s.Root, "logs") }
func (s *Sandbox) tempDir() string { return filepath.Join(s.Root, "temp") }

type Manager struct {
	baseDir    string
	archiveDir string
	timeout    time.Duration
	limits     ResourceLimits
	runner     Runner

	mu     sync.Mutex
	active map[string]*Sandbox
}

// NewManager prepares the sandbox and archive roots. A nil runner runs
// commands as local subprocesses.
func NewManager(cfg config.SandboxConfig, runner Runner) (*Manager, error) {
	for _, dir := range []string{cfg.BaseDir, cfg.ArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 || timeout > config.MaxCommandTimeout {
		timeout = config.MaxCommandTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	base, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox dir: %w", err)
	}
	return &Manager{
		baseDir:    base,
		archiveDir: cfg.ArchiveDir,
		timeout:    timeout,
		limits:     cfg.Limits,
		runner:     runner,
		active:     make(map[string]*Sandbox),
	}, nil
}

// CreateSandbox builds a fresh tree under the base dir and writes its
// restrictions manifest.
func (m *Manager) CreateSandbox(agentType models.TaskType, r Restrictions) (*Sandbox, error) {
	id := uuid.New().String()
	root := filepath.Join(m.baseDir, id)

	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("create sandbox %s: %w", sub, err)
		}
	}
	if r.WorkingDirectory == "" {
		r.WorkingDirectory = "workspace"
	}
	if r.FilesystemAccess == "" {
		r.FilesystemAccess = FSWorkspace
	}

	sb := &Sandbox{
		ID:            id,
		AgentType:     agentType,
		Root:          root,
		WorkspacePath: filepath.Join(root, "workspace"),
		Restrictions:  r,
		Limits:        m.limits,
		CreatedAt:     time.Now().UTC(),
	}
	if err := os.WriteFile(filepath.Join(root, "manifest.txt"), []byte(manifest(sb)), 0o644); err != nil {
		_ = os.RemoveAll(root)
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	m.mu.Lock()
	m.active[id] = sb
	m.mu.Unlock()

	slog.Info("sandbox created", "sandbox", id, "agent_type", agentType)
	return sb, nil
}

func manifest(sb *Sandbox) string {
	r := sb.Restrictions
	ops := func(list []Operation) string {
		if len(list) == 0 {
			return "(none)"
		}
		s := make([]string, len(list))
		for i, op := range list {
			s[i] = string(op)
		}
		return strings.Join(s, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sandbox: %s\n", sb.ID)
	fmt.Fprintf(&b, "Agent type: %s\n", sb.AgentType)
	fmt.Fprintf(&b, "Created: %s\n", sb.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Allowed operations: %s\n", ops(r.AllowedOperations))
	fmt.Fprintf(&b, "Denied operations: %s\n", ops(r.DeniedOperations))
	fmt.Fprintf(&b, "Working directory: %s\n", r.WorkingDirectory)
	fmt.Fprintf(&b, "Network access: %t\n", r.NetworkAccess)
	fmt.Fprintf(&b, "Filesystem access: %s\n", r.FilesystemAccess)
	if len(r.AllowedCommands) > 0 {
		fmt.Fprintf(&b, "Allowed commands: %s\n", strings.Join(r.AllowedCommands, ", "))
	}
	fmt.Fprintf(&b, "Memory limit: %d MB\n", sb.Limits.MemoryMB)
	fmt.Fprintf(&b, "CPU limit: %g cores\n", sb.Limits.CPU)
	fmt.Fprintf(&b, "Disk limit: %d MB\n", sb.Limits.DiskMB)
	return b.String()
}

// ExecuteCommand validates and runs command in the sandbox workspace. Policy
// rejections happen before anything is executed.
func (m *Manager) ExecuteCommand(ctx context.Context, command string, sb *Sandbox) (string, error) {
	if err := checkDangerous(command); err != nil {
		slog.Warn("command rejected", "sandbox", sb.ID, "reason", err)
		return "", err
	}
	if err := checkAllowed(command, sb.Restrictions.AllowedCommands); err != nil {
		slog.Warn("command rejected", "sandbox", sb.ID, "reason", err)
		return "", err
	}
	if err := checkContained(command); err != nil {
		slog.Warn("command rejected", "sandbox", sb.ID, "reason", err)
		return "", err
	}
	if err := sb.Restrictions.checkNetwork(command); err != nil {
		slog.Warn("command rejected", "sandbox", sb.ID, "reason", err)
		return "", err
	}
	if slices.Contains(sb.Restrictions.DeniedOperations, OpExecute) {
		return "", fmt.Errorf("%s: %w", OpExecute, ErrOperationExplicitlyDenied)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	inv := Invocation{
		SandboxID: sb.ID,
		Script:    command,
		Workspace: sb.WorkspacePath,
		TempDir:   sb.tempDir(),
		Env:       execEnv(sb.WorkspacePath, sb.tempDir()),
		Timeout:   m.timeout,
		Network:   sb.Restrictions.NetworkAccess,
		Limits:    sb.Limits,
	}
	out, err := m.runner.Run(ctx, inv)
	if out != nil {
		sb.lastRun = out
		m.logCommand(sb, command, out)
	}
	if err != nil {
		return "", fmt.Errorf("execute command: %w", err)
	}

	if out.TimedOut {
		return out.Stdout, &CommandError{ExitCode: -1, Stderr: fmt.Sprintf("killed after %s", m.timeout), TimedOut: true}
	}
	if out.ExitCode != 0 {
		return out.Stdout, &CommandError{ExitCode: out.ExitCode, Stderr: strings.TrimSpace(out.Stderr)}
	}
	if sb.Limits.MemoryMB > 0 && out.MaxRSSKB > int64(sb.Limits.MemoryMB)*1024 {
		slog.Warn("sandbox memory ceiling exceeded",
			"sandbox", sb.ID, "max_rss_kb", out.MaxRSSKB, "limit_mb", sb.Limits.MemoryMB)
	}
	return out.Stdout, nil
}

func (m *Manager) logCommand(sb *Sandbox, command string, out *Outcome) {
	f, err := os.OpenFile(filepath.Join(sb.logsDir(), "commands.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("failed to open command log", "sandbox", sb.ID, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s exit=%d duration=%s timed_out=%t cmd=%q\n",
		time.Now().UTC().Format(time.RFC3339), out.ExitCode, out.Duration.Round(time.Millisecond), out.TimedOut, command)
}

func (m *Manager) ReadFile(sb *Sandbox, path string) ([]byte, error) {
	if err := sb.Restrictions.checkOperation(OpRead); err != nil {
		return nil, err
	}
	target, err := resolvePath(sb.WorkspacePath, path)
	if err != nil {
		return nil, err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	return os.ReadFile(target)
}

func (m *Manager) WriteFile(sb *Sandbox, path string, content []byte) error {
	if err := sb.Restrictions.checkOperation(OpWrite); err != nil {
		return err
	}
	if sb.Restrictions.FilesystemAccess == FSReadOnly {
		return fmt.Errorf("read-only filesystem: %w", ErrOperationDenied)
	}
	target, err := resolvePath(sb.WorkspacePath, path)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	if sb.Limits.DiskMB > 0 {
		if used, err := dirSize(sb.Root); err == nil && used > int64(sb.Limits.DiskMB)<<20 {
			slog.Warn("sandbox disk ceiling exceeded", "sandbox", sb.ID, "used", used, "limit_mb", sb.Limits.DiskMB)
		}
	}
	return nil
}

// Active returns the sandboxes that have not been cleaned up, oldest first.
func (m *Manager) Active() []*Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Sandbox, 0, len(m.active))
	for _, sb := range m.active {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupSandbox archives the sandbox tree and removes it from disk.
func (m *Manager) CleanupSandbox(sb *Sandbox) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	archive, err := writeArchive(sb.Root, filepath.Join(m.archiveDir, sb.ID+ArchiveExt))
	if err != nil {
		return fmt.Errorf("archive sandbox %s: %w", sb.ID, err)
	}
	if err := os.RemoveAll(sb.Root); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", sb.ID, err)
	}

	m.mu.Lock()
	delete(m.active, sb.ID)
	m.mu.Unlock()

	slog.Info("sandbox cleaned", "sandbox", sb.ID, "archive", archive)
	return nil
}

func (m *Manager) CleanupAllSandboxes() error {
	var errs []error
	for _, sb := range m.Active() {
		if err := m.CleanupSandbox(sb); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
