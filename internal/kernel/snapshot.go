package kernel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Snapshot captures a process record and its home tree. The record is
// written as JSON next to a gzipped tarball of the owner's home.
func (k *Kernel) Snapshot(ctx context.Context, pid int, description string) (*v1.Snapshot, error) {
	info, err := k.Table.Get(pid)
	if err != nil {
		// Reaped processes survive in the store.
		info, err = k.store.GetProcess(ctx, pid)
		if err != nil {
			return nil, err
		}
	}

	dir := k.cfg.Database.SnapshotDir
	if dir == "" {
		return nil, apperrors.InvalidState("snapshots are disabled: no snapshot dir configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Internal("failed to prepare snapshot dir", err)
	}

	id := uuid.New().String()
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, apperrors.Internal("failed to serialize process record", err)
	}
	infoPath := filepath.Join(dir, fmt.Sprintf("%s.json", id))
	if err := os.WriteFile(infoPath, raw, 0o644); err != nil {
		return nil, apperrors.Internal("failed to write snapshot record", err)
	}

	tarPath := filepath.Join(dir, fmt.Sprintf("%s.tar.gz", id))
	home := filepath.Join(k.cfg.Database.HomeDir, info.UID)
	size, err := tarTree(home, tarPath)
	if err != nil {
		os.Remove(infoPath)
		return nil, apperrors.Internal("failed to archive agent home", err)
	}

	snap := &v1.Snapshot{
		ID:          id,
		PID:         pid,
		Timestamp:   time.Now().UnixMilli(),
		Description: description,
		FilePath:    infoPath,
		TarballPath: tarPath,
		ProcessInfo: string(raw),
		SizeBytes:   size,
	}
	if err := k.store.CreateSnapshot(ctx, snap); err != nil {
		os.Remove(infoPath)
		os.Remove(tarPath)
		return nil, err
	}
	k.logger.WithPID(pid).Info("snapshot created",
		zap.String("id", id), zap.Int64("bytes", size))

	k.pruneSnapshots(ctx, pid)
	return snap, nil
}

// maxSnapshotsPerProcess bounds retained snapshots per pid; the oldest
// are dropped first.
const maxSnapshotsPerProcess = 10

func (k *Kernel) pruneSnapshots(ctx context.Context, pid int) {
	snaps, err := k.store.ListSnapshots(ctx, pid)
	if err != nil {
		k.logger.WithError(err).Warn("snapshot listing failed, skipping prune")
		return
	}
	// Newest first; everything past the cap goes.
	for _, old := range snaps[min(len(snaps), maxSnapshotsPerProcess):] {
		if err := k.store.DeleteSnapshot(ctx, old.ID); err != nil {
			k.logger.WithError(err).Warn("failed to drop old snapshot record")
			continue
		}
		os.Remove(old.FilePath)
		os.Remove(old.TarballPath)
		k.logger.WithPID(pid).Debug("pruned old snapshot", zap.String("id", old.ID))
	}
}

// tarTree writes root's contents into a gzipped tarball at dest and
// returns the tarball size. A missing root produces an empty archive.
func tarTree(root, dest string) (int64, error) {
	out, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	if _, err := os.Stat(root); err == nil {
		walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !fi.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		})
		if walkErr != nil {
			tw.Close()
			gz.Close()
			return 0, walkErr
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
