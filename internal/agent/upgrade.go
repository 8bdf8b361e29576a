package agent

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	downloadTimeout = 5 * time.Minute
	releaseURLBase  = "https://github.com/slackhq/nebula/releases/download"
)

// Upgrader replaces the local Nebula binary when the control plane reports a
// different fleet version.
type Upgrader struct {
	cfg    *Config
	logger *Logger
}

func NewUpgrader(cfg *Config, logger *Logger) *Upgrader {
	return &Upgrader{cfg: cfg, logger: logger}
}

// MaybeUpgrade compares the local binary version against the target and
// swaps the binary when they differ. Returns true when an upgrade happened,
// which forces a restart later in the cycle.
func (u *Upgrader) MaybeUpgrade(ctx context.Context, target string) (bool, error) {
	if target == "" {
		return false, nil
	}
	local := LocalNebulaVersion(ctx, u.cfg.NebulaBinary)
	if local == target {
		return false, nil
	}

	u.logger.Process("Upgrading nebula %q -> %q", local, target)
	if err := u.upgrade(ctx, target); err != nil {
		return false, err
	}
	u.logger.Success("Nebula upgraded to %s", target)
	return true, nil
}

func (u *Upgrader) upgrade(ctx context.Context, version string) error {
	workDir, err := os.MkdirTemp("", "mnebula-upgrade-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	archive := filepath.Join(workDir, "nebula.tar.gz")
	if err := u.download(ctx, version, archive); err != nil {
		return err
	}

	extractDir := filepath.Join(workDir, "extracted")
	if err := os.Mkdir(extractDir, 0o755); err != nil {
		return err
	}
	if err := extractTarGz(archive, extractDir); err != nil {
		return err
	}

	candidate := filepath.Join(extractDir, "nebula")
	if err := os.Chmod(candidate, 0o755); err != nil {
		return fmt.Errorf("chmod extracted binary: %w", err)
	}

	// The extracted binary must actually report the version we asked for.
	if got := LocalNebulaVersion(ctx, candidate); got != version {
		return fmt.Errorf("extracted binary reports version %q, want %q", got, version)
	}

	return u.replaceBinary(candidate)
}

func (u *Upgrader) download(ctx context.Context, version, dest string) error {
	url := fmt.Sprintf("%s/v%s/nebula-%s-%s.tar.gz",
		releaseURLBase, version, runtime.GOOS, runtime.GOARCH)

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

// extractTarGz unpacks the release archive, rejecting any entry whose path
// would escape the extraction directory.
func extractTarGz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		target, err := containedPath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			// Symlinks and devices have no business in a release archive.
			return fmt.Errorf("archive entry %q has unsupported type %d", hdr.Name, hdr.Typeflag)
		}
	}
}

// containedPath resolves an archive entry name under dest and rejects path
// traversal.
func containedPath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

// replaceBinary backs up the current binary and swaps in the new one with a
// rename, so a crash mid-upgrade leaves either the old or the new binary,
// never a torn file.
func (u *Upgrader) replaceBinary(candidate string) error {
	current, err := exec.LookPath(u.cfg.NebulaBinary)
	if err != nil {
		// Not installed yet: place it next to the state dir.
		current = filepath.Join(u.cfg.StateDir, "nebula")
	}

	if fileExists(current) {
		backup := current + ".bak"
		if err := os.Rename(current, backup); err != nil {
			return fmt.Errorf("back up current binary: %w", err)
		}
	}

	// Rename only works within a filesystem; stage the candidate next to
	// the destination first.
	staged := current + ".new"
	if err := copyFile(candidate, staged, 0o755); err != nil {
		return err
	}
	if err := os.Rename(staged, current); err != nil {
		return fmt.Errorf("install new binary: %w", err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
