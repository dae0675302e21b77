package hub

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/samcharles93/hfgen/internal/safetensors"
)

const DefaultRevision = "main"

// File names fetched for a causal LM checkpoint.
var (
	RequiredFiles = []string{"config.json", "tokenizer.json"}
	OptionalFiles = []string{"tokenizer_config.json", "generation_config.json", "special_tokens_map.json"}
)

// Snapshot is a fully materialised checkpoint in the cache.
type Snapshot struct {
	RepoID   string
	Revision string
	Commit   string
	// Dir holds the files, laid out as in the repository.
	Dir string
	// Downloaded lists files fetched over the network by this call.
	Downloaded []string
}

// Snapshot makes the checkpoint of repoID at revision available locally and
// returns its directory. A complete cached snapshot is returned without any
// network request; offline clients never touch the network.
func (c *Client) Snapshot(ctx context.Context, repoID, revision string) (*Snapshot, error) {
	if err := validateRepoID(repoID); err != nil {
		return nil, fmt.Errorf("%w: %q", err, repoID)
	}
	if revision == "" {
		revision = DefaultRevision
	}
	rc := newRepoCache(c.cfg.CacheDir, repoID)
	snap := &Snapshot{RepoID: repoID, Revision: revision}

	if commit, ok := rc.commit(revision); ok {
		if missing := missingFiles(rc, commit); len(missing) == 0 {
			snap.Commit, snap.Dir = commit, rc.snapshotDir(commit)
			c.log.Debug("snapshot cache hit", "repo", repoID, "commit", commit)
			return snap, nil
		} else if c.cfg.Offline {
			return nil, fmt.Errorf("%s@%s missing %v: %w", repoID, revision, missing, ErrOffline)
		}
	} else if c.cfg.Offline {
		return nil, fmt.Errorf("%s@%s: %w", repoID, revision, ErrOffline)
	}

	c.log.Info("fetching snapshot", "repo", repoID, "revision", revision)
	for _, name := range RequiredFiles {
		if err := c.fetch(ctx, rc, snap, name, false); err != nil {
			return nil, err
		}
	}
	for _, name := range OptionalFiles {
		if err := c.fetch(ctx, rc, snap, name, true); err != nil {
			return nil, err
		}
	}
	if err := c.fetchWeights(ctx, rc, snap); err != nil {
		return nil, err
	}
	if err := rc.writeRef(revision, snap.Commit); err != nil {
		return nil, fmt.Errorf("write ref: %w", err)
	}
	snap.Dir = rc.snapshotDir(snap.Commit)
	return snap, nil
}

func (c *Client) fetchWeights(ctx context.Context, rc repoCache, snap *Snapshot) error {
	if err := c.fetch(ctx, rc, snap, safetensors.IndexFileName, true); err != nil {
		return err
	}
	if !rc.has(snap.Commit, safetensors.IndexFileName) {
		return c.fetch(ctx, rc, snap, safetensors.SingleFileName, false)
	}
	idx, err := readIndex(rc, snap.Commit)
	if err != nil {
		return err
	}
	for _, shard := range idx.Shards() {
		if err := c.fetch(ctx, rc, snap, shard, false); err != nil {
			return err
		}
	}
	return nil
}

// fetch resolves one file, downloads its blob if needed and links it into
// the snapshot. Optional files that do not exist are skipped.
func (c *Client) fetch(ctx context.Context, rc repoCache, snap *Snapshot, name string, optional bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rev := snap.Revision
	if snap.Commit != "" {
		rev = snap.Commit
		if rc.has(snap.Commit, name) {
			return nil
		}
	}
	meta, err := c.head(ctx, snap.RepoID, rev, name)
	if err != nil {
		if optional && errors.Is(err, ErrNotFound) {
			c.log.Debug("optional file absent", "file", name)
			return nil
		}
		return err
	}
	if meta.Commit == "" {
		meta.Commit = rev
	}
	if snap.Commit == "" {
		snap.Commit = meta.Commit
	}
	if err := c.download(ctx, rc, snap.RepoID, name, meta); err != nil {
		return err
	}
	if err := rc.link(snap.Commit, name, meta.ETag); err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	snap.Downloaded = append(snap.Downloaded, name)
	return nil
}

// missingFiles lists the files a cached snapshot still lacks. Optional files
// are never reported.
func missingFiles(rc repoCache, commit string) []string {
	var missing []string
	for _, name := range RequiredFiles {
		if !rc.has(commit, name) {
			missing = append(missing, name)
		}
	}
	if !rc.has(commit, safetensors.IndexFileName) {
		if !rc.has(commit, safetensors.SingleFileName) {
			missing = append(missing, safetensors.SingleFileName)
		}
		return missing
	}
	idx, err := readIndex(rc, commit)
	if err != nil {
		return append(missing, safetensors.IndexFileName)
	}
	for _, shard := range idx.Shards() {
		if !rc.has(commit, shard) {
			missing = append(missing, shard)
		}
	}
	return missing
}

func readIndex(rc repoCache, commit string) (*safetensors.IndexFile, error) {
	raw, err := os.ReadFile(rc.snapshotFile(commit, safetensors.IndexFileName))
	if err != nil {
		return nil, err
	}
	return safetensors.ParseIndex(raw)
}
