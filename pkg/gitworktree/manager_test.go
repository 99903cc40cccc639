package gitworktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func runCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
	return string(out)
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	require.NoError(t, os.Mkdir(repo, 0o750))

	runCmd(t, repo, "init", "--initial-branch=main")
	runCmd(t, repo, "config", "user.name", "Test")
	runCmd(t, repo, "config", "user.email", "test@test.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# test\n"), 0o644))
	runCmd(t, repo, "add", ".")
	runCmd(t, repo, "commit", "-m", "initial commit")
	return repo
}

func TestCreateDomainWorktreeMaterializesBranch(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo)

	info := m.CreateDomainWorktree("be", "run-1", "main")
	require.True(t, info.IsValid)
	require.Equal(t, "wave/run-1/be", info.Branch)
	require.DirExists(t, info.Path)
}

func TestCreateDomainWorktreeIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo)

	first := m.CreateDomainWorktree("fe", "run-1", "main")
	require.True(t, first.IsValid)

	second := m.CreateDomainWorktree("fe", "run-1", "main")
	require.True(t, second.IsValid)
	require.DirExists(t, second.Path)
}

func TestCleanupDomainWorktreeRemovesDirectory(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo)

	info := m.CreateDomainWorktree("qa", "run-1", "main")
	require.True(t, info.IsValid)

	require.True(t, m.CleanupDomainWorktree("qa", "run-1"))
	require.NoDirExists(t, info.Path)

	_, ok := m.GetDomainWorktree("qa", "run-1")
	require.False(t, ok)
}

func TestCleanupNonexistentWorktreeSucceeds(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo)
	require.True(t, m.CleanupDomainWorktree("never-created", "run-1"))
}

func TestDiscoverWorktreesAfterFreshManager(t *testing.T) {
	repo := newTestRepo(t)
	m1 := New(repo)
	info := m1.CreateDomainWorktree("be", "run-2", "main")
	require.True(t, info.IsValid)

	m2 := New(repo)
	discovered := m2.DiscoverWorktrees()
	require.Len(t, discovered, 1)
	require.Equal(t, "be", discovered[0].Domain)
	require.Equal(t, "run-2", discovered[0].RunID)

	rediscovered, ok := m2.GetDomainWorktree("be", "run-2")
	require.True(t, ok)
	require.True(t, rediscovered.IsValid)
}

func TestMergeDomainToIntegrationSucceeds(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo)

	m.CreateIntegrationBranch("run-3", "main")
	info := m.CreateDomainWorktree("be", "run-3", "main")
	require.True(t, info.IsValid)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "be.txt"), []byte("hi"), 0o644))
	runCmd(t, info.Path, "add", ".")
	runCmd(t, info.Path, "commit", "-m", "be change")

	result := m.MergeDomainToIntegration("be", "run-3")
	require.True(t, result.Success)
	require.False(t, result.HasConflicts)
	require.NotEmpty(t, result.MergedSHA)
	require.NoDirExists(t, filepath.Join(m.worktreeBase, "run-3", "_integration"))
}

func TestMergeAllDomainsAccumulatesConflicts(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo)
	m.CreateIntegrationBranch("run-4", "main")

	be := m.CreateDomainWorktree("be", "run-4", "main")
	fe := m.CreateDomainWorktree("fe", "run-4", "main")
	require.True(t, be.IsValid)
	require.True(t, fe.IsValid)

	require.NoError(t, os.WriteFile(filepath.Join(be.Path, "shared.txt"), []byte("be-version\n"), 0o644))
	runCmd(t, be.Path, "add", ".")
	runCmd(t, be.Path, "commit", "-m", "be writes shared.txt")

	require.NoError(t, os.WriteFile(filepath.Join(fe.Path, "shared.txt"), []byte("fe-version\n"), 0o644))
	runCmd(t, fe.Path, "add", ".")
	runCmd(t, fe.Path, "commit", "-m", "fe writes shared.txt")

	result := m.MergeAllDomains("run-4", []string{"be", "fe"})
	require.False(t, result.Success)
	require.True(t, result.HasConflicts)
	require.Contains(t, result.ConflictFiles, "shared.txt")
}
