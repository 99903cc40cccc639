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
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory exclusive lock held for the lifetime of the
// returned value; Unlock releases it and closes the backing file.
type fileLock struct {
	f *os.File
}

// Lock acquires an exclusive advisory lock scoped to {runID, domain},
// serializing concurrent CreateDomainWorktree calls for the same pair
// across processes. The lock file is a dot-file directly inside the
// worktree base directory, not inside any worktree, so it survives
// worktree cleanup.
func (m *Manager) Lock(runID, domain string) (*fileLock, error) {
	if err := os.MkdirAll(m.worktreeBase, 0o750); err != nil {
		return nil, fmt.Errorf("prepare lock dir: %w", err)
	}
	path := filepath.Join(m.worktreeBase, fmt.Sprintf(".%s-%s.lock", runID, domain))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

// Unlock releases the lock and closes the backing file descriptor.
func (l *fileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
