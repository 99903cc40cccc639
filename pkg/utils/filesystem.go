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

package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir makes sure dir exists (and its parents), returning dir itself
// for chaining into a path builder. An empty or "." dir is treated as
// "here" rather than an error, matching how callers pass through an
// unset configuration path.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %q: %w", dir, err)
	}
	return dir, nil
}

// EnsureFileDir makes sure the parent directory of path exists, for a
// caller about to open path for writing (a sqlite DSN, a log file) that
// shouldn't fail just because an intermediate directory hasn't been
// created yet.
func EnsureFileDir(path string) error {
	_, err := EnsureDir(filepath.Dir(path))
	return err
}
