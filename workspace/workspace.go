// Package workspace manages per-build working directories: artifact
// materialization, verification, and path-scope guards for parallel
// branches.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/c360studio/buildplane/registry"
)

// Sentinel errors for workspace operations.
var (
	ErrOutsideRoot   = errors.New("path escapes workspace root")
	ErrVerifyFailed  = errors.New("artifact verification failed")
	ErrScopeConflict = errors.New("path scopes overlap")
	ErrEmptyArtifact = errors.New("artifact has no target path")
	ErrHashMismatch  = errors.New("artifact content hash mismatch")
)

// Workspace is the filesystem root for build outputs. Each build writes
// under <root>/<tenant>/<build_id>/.
type Workspace struct {
	root string

	mu     sync.Mutex
	scopes map[string][]string // build id -> held path globs
}

// New creates a Workspace rooted at root, creating the directory if needed.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspace{root: abs, scopes: make(map[string][]string)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// BuildDir returns the directory for one build, creating it if needed.
func (w *Workspace) BuildDir(tenantID, buildID string) (string, error) {
	dir := filepath.Join(w.root, tenantID, buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}
	return dir, nil
}

// resolve joins rel under the build dir and rejects escapes.
func (w *Workspace) resolve(tenantID, buildID, rel string) (string, error) {
	dir, err := w.BuildDir(tenantID, buildID)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean("/" + rel) // force-anchor, strips ".." prefixes
	full := filepath.Join(dir, clean)
	if !strings.HasPrefix(full, dir+string(filepath.Separator)) && full != dir {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return full, nil
}

// WriteArtifact materializes an artifact under the build directory. The
// content hash is recomputed and must match the artifact's recorded hash.
// Directory artifacts (devops type with empty content) create directories.
func (w *Workspace) WriteArtifact(tenantID string, a *registry.Artifact) error {
	if a.Path == "" {
		return ErrEmptyArtifact
	}
	full, err := w.resolve(tenantID, a.BuildID, a.Path)
	if err != nil {
		return err
	}

	if a.Type == registry.ArtifactDevops && a.Content == "" {
		return os.MkdirAll(full, 0o755)
	}

	sum := sha256.Sum256([]byte(a.Content))
	if got := hex.EncodeToString(sum[:]); got != a.ContentHash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, a.Path)
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(a.Content), 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// VerifyArtifact checks the materialized artifact: directories must exist,
// files must exist and be non-empty.
func (w *Workspace) VerifyArtifact(tenantID string, a *registry.Artifact) error {
	if a.Path == "" {
		return ErrEmptyArtifact
	}
	full, err := w.resolve(tenantID, a.BuildID, a.Path)
	if err != nil {
		return err
	}

	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrVerifyFailed, a.Path, err)
	}
	if a.Type == registry.ArtifactDevops && a.Content == "" {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrVerifyFailed, a.Path)
		}
		return nil
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrVerifyFailed, a.Path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrVerifyFailed, a.Path)
	}
	return nil
}

// AcquireScope claims a set of path globs for a build branch. It fails when
// any glob overlaps a glob already held by another claim of the same build,
// which keeps parallel branches from writing the same paths.
func (w *Workspace) AcquireScope(buildID string, globs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	held := w.scopes[buildID]
	for _, g := range globs {
		for _, h := range held {
			if globsOverlap(g, h) {
				return fmt.Errorf("%w: %s conflicts with held %s", ErrScopeConflict, g, h)
			}
		}
	}
	w.scopes[buildID] = append(held, globs...)
	return nil
}

// ReleaseScope releases previously acquired globs.
func (w *Workspace) ReleaseScope(buildID string, globs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	held := w.scopes[buildID]
	for _, g := range globs {
		for i, h := range held {
			if h == g {
				held = append(held[:i], held[i+1:]...)
				break
			}
		}
	}
	if len(held) == 0 {
		delete(w.scopes, buildID)
	} else {
		w.scopes[buildID] = held
	}
}

// globsOverlap reports whether two path globs can match a common path. Each
// glob is matched against the other's literal form, so a literal path
// conflicts with a pattern that covers it and identical globs always
// conflict.
func globsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if ok, err := doublestar.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(b, a); err == nil && ok {
		return true
	}
	return false
}
