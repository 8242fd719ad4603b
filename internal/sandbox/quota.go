package sandbox

import (
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// setDiskQuota enforces a disk quota on a sandbox's workspace directory
// using XFS project quotas. Requires the data directory's filesystem to be
// mounted with -o prjquota and xfs_quota to be on PATH. If quotas are not
// supported (e.g. dev mode on non-XFS), the error is logged and ignored —
// disk quotas are a best-effort hardening measure, not a hard dependency.
func (p *PodmanProvider) setDiskQuota(id string, limitMB int) {
	if p.dataDir == "" || limitMB <= 0 {
		return
	}

	projectID := sandboxProjectID(id)
	sandboxDir := filepath.Join(p.dataDir, id)

	if err := registerXFSProject(projectID, sandboxDir, id); err != nil {
		log.Printf("sandbox: quota: failed to register project for %s: %v (quotas disabled for this sandbox)", id, err)
		return
	}

	initCmd := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("project -s %d", projectID),
		p.dataDir)
	if out, err := initCmd.CombinedOutput(); err != nil {
		log.Printf("sandbox: quota: failed to init project %d for %s: %v (%s)", projectID, id, err, strings.TrimSpace(string(out)))
		return
	}

	limitCmd := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("limit -p bhard=%dm %d", limitMB, projectID),
		p.dataDir)
	if out, err := limitCmd.CombinedOutput(); err != nil {
		log.Printf("sandbox: quota: failed to set limit for %s: %v (%s)", id, err, strings.TrimSpace(string(out)))
		return
	}

	log.Printf("sandbox: quota: set %dMB disk limit for sandbox %s (project %d)", limitMB, id, projectID)
}

// removeDiskQuota removes the XFS project quota entries for a sandbox.
func (p *PodmanProvider) removeDiskQuota(id string) {
	if p.dataDir == "" {
		return
	}
	projectID := sandboxProjectID(id)

	limitCmd := exec.Command("xfs_quota", "-x", "-c",
		fmt.Sprintf("limit -p bhard=0 %d", projectID),
		p.dataDir)
	_ = limitCmd.Run()

	removeXFSProject(projectID, id)
}

// sandboxProjectID generates a stable project ID from a sandbox ID. XFS
// project IDs are uint32; 0 is reserved so FNV-1a collisions with it are bumped to 1.
func sandboxProjectID(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	n := h.Sum32()
	if n == 0 {
		n = 1
	}
	return n
}

func registerXFSProject(projectID uint32, dir, id string) error {
	idStr := strconv.FormatUint(uint64(projectID), 10)
	projectLine := fmt.Sprintf("%s:%s", idStr, dir)
	projidLine := fmt.Sprintf("%s:sandbox-%s", idStr, id)

	if err := appendLineIfMissing("/etc/projects", projectLine); err != nil {
		return fmt.Errorf("update /etc/projects: %w", err)
	}
	if err := appendLineIfMissing("/etc/projid", projidLine); err != nil {
		return fmt.Errorf("update /etc/projid: %w", err)
	}
	return nil
}

func removeXFSProject(projectID uint32, id string) {
	idStr := strconv.FormatUint(uint64(projectID), 10)
	removeLineByPrefix("/etc/projects", idStr+":")
	removeLineByPrefix("/etc/projid", idStr+":")
}

func appendLineIfMissing(path, line string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if strings.Contains(string(data), line) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func removeLineByPrefix(path, prefix string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, prefix) {
			kept = append(kept, line)
		}
	}
	_ = os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644)
}
