package sandbox

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// Usage is the best-effort resource accounting for one sandbox.
type Usage struct {
	DiskBytes       int64          `json:"disk_bytes"`
	LastCommandTime time.Duration  `json:"last_command_time"`
	LastMaxRSSKB    int64          `json:"last_max_rss_kb"`
	Limits          ResourceLimits `json:"limits"`
}

func (m *Manager) ResourceUsage(sb *Sandbox) (*Usage, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	size, err := dirSize(sb.Root)
	if err != nil {
		return nil, fmt.Errorf("measure sandbox %s: %w", sb.ID, err)
	}
	u := &Usage{DiskBytes: size, Limits: sb.Limits}
	if sb.lastRun != nil {
		u.LastCommandTime = sb.lastRun.Duration
		u.LastMaxRSSKB = sb.lastRun.MaxRSSKB
	}
	return u, nil
}

// CheckLimits reports ErrResourceLimitExceeded when the sandbox is over a
// declared disk or memory ceiling. Nothing is blocked; callers decide.
func (m *Manager) CheckLimits(sb *Sandbox) error {
	u, err := m.ResourceUsage(sb)
	if err != nil {
		return err
	}
	if sb.Limits.DiskMB > 0 && u.DiskBytes > int64(sb.Limits.DiskMB)<<20 {
		return fmt.Errorf("disk %s over %d MB: %w", FormatSize(u.DiskBytes), sb.Limits.DiskMB, ErrResourceLimitExceeded)
	}
	if sb.Limits.MemoryMB > 0 && u.LastMaxRSSKB > int64(sb.Limits.MemoryMB)*1024 {
		return fmt.Errorf("memory %d KB over %d MB: %w", u.LastMaxRSSKB, sb.Limits.MemoryMB, ErrResourceLimitExceeded)
	}
	return nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
