package hub

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var commitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// repoCache is one repository inside the hub cache:
//
//	models--org--name/
//	  blobs/<etag>
//	  refs/<revision>          (file holding the commit hash)
//	  snapshots/<commit>/<file> -> ../../blobs/<etag>
type repoCache struct {
	root string
}

func newRepoCache(cacheDir, repoID string) repoCache {
	return repoCache{root: filepath.Join(cacheDir, "models--"+strings.ReplaceAll(repoID, "/", "--"))}
}

func (r repoCache) blob(etag string) string { return filepath.Join(r.root, "blobs", etag) }

func (r repoCache) snapshotDir(commit string) string {
	return filepath.Join(r.root, "snapshots", commit)
}

func (r repoCache) snapshotFile(commit, name string) string {
	return filepath.Join(r.snapshotDir(commit), filepath.FromSlash(name))
}

// commit resolves revision to a commit hash from refs/. A revision that is
// already a full hash resolves to itself.
func (r repoCache) commit(revision string) (string, bool) {
	if commitRe.MatchString(revision) {
		return revision, true
	}
	b, err := os.ReadFile(filepath.Join(r.root, "refs", filepath.FromSlash(revision)))
	if err != nil {
		return "", false
	}
	commit := strings.TrimSpace(string(b))
	return commit, commit != ""
}

func (r repoCache) writeRef(revision, commit string) error {
	if revision == commit {
		return nil
	}
	path := filepath.Join(r.root, "refs", filepath.FromSlash(revision))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(commit), 0o644)
}

func (r repoCache) has(commit, name string) bool {
	st, err := os.Stat(r.snapshotFile(commit, name))
	return err == nil && !st.IsDir()
}

// link points snapshots/<commit>/<name> at the blob, copying when the
// filesystem refuses symlinks.
func (r repoCache) link(commit, name, etag string) error {
	dst := r.snapshotFile(commit, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	blob := r.blob(etag)
	rel, err := filepath.Rel(filepath.Dir(dst), blob)
	if err != nil {
		rel = blob
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Symlink(rel, dst); err == nil {
		return nil
	}
	return copyFile(blob, dst)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return nil
}
