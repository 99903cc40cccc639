// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gitworktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
)

// branchPattern matches the wave/{run_id}/{domain} naming scheme used to
// recognize a worktree's branch as belonging to this manager during
// discovery.
var branchPattern = regexp.MustCompile(`^wave/([^/]+)/([^/]+)$`)

// Manager creates, discovers, merges, and tears down per-domain worktrees
// laid out at {repoRoot}/../worktrees/{run_id}/{domain}.
type Manager struct {
	repoRoot     string
	worktreeBase string
	log          *logger.Logger

	mu        sync.Mutex
	worktrees map[string]*Info // key: "{run_id}:{domain}"
}

// New returns a Manager rooted at repoRoot, with worktrees laid out as
// siblings of the repo under a "worktrees" directory.
func New(repoRoot string) *Manager {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		abs = repoRoot
	}
	return &Manager{
		repoRoot:     abs,
		worktreeBase: filepath.Join(filepath.Dir(abs), "worktrees"),
		worktrees:    make(map[string]*Info),
		log:          logger.Get().WithComponent("gitworktree"),
	}
}

func key(runID, domain string) string { return runID + ":" + domain }

func (m *Manager) worktreePath(runID, domain string) string {
	return filepath.Join(m.worktreeBase, runID, domain)
}

// CreateDomainWorktree materializes an isolated worktree for domain on a
// fresh branch off base. Any prior worktree at the target path and any
// stale branch of the same name are removed first, so the call is
// idempotent. On failure the returned Info has IsValid=false rather than
// an error, matching the recoverable-per-domain failure model the
// orchestrator expects from a single domain's setup.
func (m *Manager) CreateDomainWorktree(domain, runID, base string) *Info {
	if base == "" {
		base = "main"
	}
	path := m.worktreePath(runID, domain)
	branch := branchName(runID, domain)

	if lock, err := m.Lock(runID, domain); err == nil {
		defer lock.Unlock()
	} else {
		m.log.Warn("failed to acquire worktree lock, proceeding unlocked", "domain", domain, "run_id", runID, "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return m.register(&Info{Domain: domain, RunID: runID, Path: path, Branch: branch, BaseBranch: base, CreatedAt: time.Now().UTC(), IsValid: false})
	}

	if _, err := os.Stat(path); err == nil {
		m.removeWorktree(path)
	}
	_, _ = m.runGit(m.repoRoot, "branch", "-D", branch)

	if _, err := m.runGit(m.repoRoot, "worktree", "add", "-b", branch, path, base); err != nil {
		m.log.Warn("failed to create domain worktree", "domain", domain, "run_id", runID, "error", err)
		return m.register(&Info{Domain: domain, RunID: runID, Path: path, Branch: branch, BaseBranch: base, CreatedAt: time.Now().UTC(), IsValid: false})
	}

	m.log.Info("created domain worktree", "domain", domain, "run_id", runID, "branch", branch, "path", path)
	return m.register(&Info{Domain: domain, RunID: runID, Path: path, Branch: branch, BaseBranch: base, CreatedAt: time.Now().UTC(), IsValid: true})
}

func (m *Manager) register(info *Info) *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worktrees[key(info.RunID, info.Domain)] = info
	return info
}

// GetDomainWorktree returns previously created/discovered worktree info.
func (m *Manager) GetDomainWorktree(domain, runID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.worktrees[key(runID, domain)]
	return info, ok
}

// ListRunWorktrees returns all tracked worktrees for runID.
func (m *Manager) ListRunWorktrees(runID string) []*Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Info
	for _, info := range m.worktrees {
		if info.RunID == runID {
			out = append(out, info)
		}
	}
	return out
}

// CleanupDomainWorktree removes one domain's worktree and its tracking
// entry. Cleaning up a worktree that was never created succeeds trivially.
func (m *Manager) CleanupDomainWorktree(domain, runID string) bool {
	m.mu.Lock()
	info, ok := m.worktrees[key(runID, domain)]
	if ok {
		delete(m.worktrees, key(runID, domain))
	}
	m.mu.Unlock()
	if !ok {
		return true
	}
	ok = m.removeWorktree(info.Path)
	m.log.Info("cleaned up domain worktree", "domain", domain, "run_id", runID)
	return ok
}

// CleanupRunWorktrees removes every tracked worktree for runID.
func (m *Manager) CleanupRunWorktrees(runID string) bool {
	success := true
	for _, info := range m.ListRunWorktrees(runID) {
		if !m.CleanupDomainWorktree(info.Domain, info.RunID) {
			success = false
		}
	}
	return success
}

// DiscoverWorktrees scans `git worktree list` and re-registers every
// worktree whose branch matches wave/{run_id}/{domain}, skipping the
// integration branch. This is the crash-recovery primitive: a freshly
// constructed Manager calling DiscoverWorktrees learns about worktrees a
// prior process created.
func (m *Manager) DiscoverWorktrees() []*Info {
	output, err := m.runGitOutput(m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		m.log.Warn("failed to list worktrees", "error", err)
		return nil
	}

	var discovered []*Info
	var currentPath, currentBranch string
	flush := func() {
		if currentPath == "" || currentBranch == "" {
			return
		}
		match := branchPattern.FindStringSubmatch(currentBranch)
		if match == nil || match[2] == "integration" {
			return
		}
		runID, domain := match[1], match[2]
		_, statErr := os.Stat(currentPath)
		info := &Info{
			Domain: domain, RunID: runID, Path: currentPath, Branch: currentBranch,
			IsValid: statErr == nil,
		}
		m.register(info)
		discovered = append(discovered, info)
	}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			currentBranch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "":
			flush()
			currentPath, currentBranch = "", ""
		}
	}
	flush()

	m.log.Info("discovered worktrees", "count", len(discovered))
	return discovered
}

// CreateIntegrationBranch (re)creates runID's integration branch off base.
func (m *Manager) CreateIntegrationBranch(runID, base string) string {
	if base == "" {
		base = "main"
	}
	branch := integrationBranchName(runID)
	_, _ = m.runGit(m.repoRoot, "branch", "-D", branch)
	if _, err := m.runGit(m.repoRoot, "branch", branch, base); err != nil {
		m.log.Warn("failed to create integration branch", "run_id", runID, "error", err)
	}
	return branch
}

// MergeDomainToIntegration merges domain's branch into runID's integration
// branch using a temporary worktree, so the caller's own checkout is never
// disturbed. The temporary worktree is always removed, win or lose.
func (m *Manager) MergeDomainToIntegration(domain, runID string) MergeResult {
	domainBranch := branchName(runID, domain)
	integrationBranch := integrationBranchName(runID)
	intPath := filepath.Join(m.worktreeBase, runID, "_integration")

	if err := os.MkdirAll(filepath.Dir(intPath), 0o750); err != nil {
		return MergeResult{Success: false, Message: fmt.Sprintf("failed to prepare integration path: %v", err)}
	}
	if _, err := os.Stat(intPath); err == nil {
		m.removeWorktree(intPath)
	}
	defer m.removeWorktree(intPath)

	if _, err := m.runGit(m.repoRoot, "worktree", "add", intPath, integrationBranch); err != nil {
		return MergeResult{Success: false, Message: fmt.Sprintf("failed to checkout integration branch: %v", err)}
	}

	output, err := m.runGitOutput(intPath, "-c", "user.name=WAVE Merge", "-c", "user.email=wave@wave.dev",
		"merge", "--no-ff", "-m", fmt.Sprintf("Merge %s into %s", domainBranch, integrationBranch), domainBranch)
	if err != nil {
		hasConflicts := strings.Contains(output, "CONFLICT")
		var conflictFiles []string
		if hasConflicts {
			for _, line := range strings.Split(output, "\n") {
				if !strings.Contains(line, "CONFLICT") {
					continue
				}
				if idx := strings.Index(line, "Merge conflict in "); idx >= 0 {
					conflictFiles = append(conflictFiles, strings.TrimSpace(line[idx+len("Merge conflict in "):]))
				}
			}
			_, _ = m.runGit(intPath, "merge", "--abort")
		}
		return MergeResult{Success: false, HasConflicts: hasConflicts, ConflictFiles: conflictFiles, Message: output}
	}

	sha, _ := m.runGitOutput(intPath, "rev-parse", "HEAD")
	return MergeResult{
		Success: true, MergedSHA: strings.TrimSpace(sha),
		Message: fmt.Sprintf("Merged %s into %s", domainBranch, integrationBranch),
	}
}

// MergeAllDomains merges domains into runID's integration branch in the
// given order. It accumulates conflict-only failures across every domain
// instead of stopping at the first, but aborts immediately on any
// non-conflict failure (a checkout or setup problem, not a merge conflict).
func (m *Manager) MergeAllDomains(runID string, domains []string) MergeResult {
	var allConflicts []string
	anyConflict := false

	for _, domain := range domains {
		result := m.MergeDomainToIntegration(domain, runID)
		switch {
		case result.HasConflicts:
			anyConflict = true
			allConflicts = append(allConflicts, result.ConflictFiles...)
		case !result.Success:
			return result
		}
	}

	return MergeResult{
		Success: !anyConflict, HasConflicts: anyConflict, ConflictFiles: allConflicts,
		Message: fmt.Sprintf("merged %d domains into integration", len(domains)),
	}
}

func (m *Manager) removeWorktree(path string) bool {
	_, err := m.runGit(m.repoRoot, "worktree", "remove", path, "--force")
	if _, statErr := os.Stat(path); statErr == nil {
		_ = os.RemoveAll(path)
	}
	_, _ = m.runGit(m.repoRoot, "worktree", "prune")
	_, statErr := os.Stat(path)
	return err == nil || os.IsNotExist(statErr)
}

func (m *Manager) runGit(dir string, args ...string) (string, error) {
	out, err := m.runGitOutput(dir, args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

func (m *Manager) runGitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
