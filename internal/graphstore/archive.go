package graphstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/podcastkg/ingest-engine/internal/perr"
)

// Archive moves a processed source file to dir, preferring an atomic
// os.Rename (same filesystem) and falling back to copy+fsync+unlink when
// rename fails across a filesystem boundary. A failure here is non-fatal
// to the episode's own processing status — spec §4.8/§8 treats archival
// as best-effort, reported as perr.ErrArchiveFailed rather than aborting
// a completed episode.
func Archive(sourcePath, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", perr.ErrArchiveFailed, dir, err)
	}
	dest := filepath.Join(dir, filepath.Base(sourcePath))

	if err := os.Rename(sourcePath, dest); err == nil {
		return dest, nil
	}

	if err := copyThenUnlink(sourcePath, dest); err != nil {
		return "", fmt.Errorf("%w: %v", perr.ErrArchiveFailed, err)
	}
	return dest, nil
}

func copyThenUnlink(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("fsync destination: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("unlink source after copy: %w", err)
	}
	return nil
}
