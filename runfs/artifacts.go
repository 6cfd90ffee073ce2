package runfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/whirr-ml/whirr/errors"
)

// ArtifactInfo describes one file under artifacts/, path relative to the
// artifacts root.
type ArtifactInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// ListArtifacts walks artifacts/ and returns every regular file. A missing
// artifacts directory is an empty list, not an error.
func ListArtifacts(runDir string) ([]ArtifactInfo, error) {
	root := filepath.Join(runDir, ArtifactDir)
	var artifacts []ArtifactInfo

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, ArtifactInfo{
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk artifacts in %s", runDir)
	}
	return artifacts, nil
}

// ArtifactPath resolves a relative artifact path inside runDir, rejecting
// anything that would escape the artifacts directory.
func ArtifactPath(runDir, relPath string) (string, error) {
	root := filepath.Join(runDir, ArtifactDir)
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", errors.Newf("artifact path escapes artifacts directory: %q", relPath)
	}
	return filepath.Join(root, clean), nil
}

// SaveArtifact copies src into artifacts/ under destName (defaults to the
// source basename). Intermediate directories in destName are created.
func SaveArtifact(runDir, src, destName string) (string, error) {
	if destName == "" {
		destName = filepath.Base(src)
	}
	dest, err := ArtifactPath(runDir, destName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Wrapf(err, "create artifact directory for %s", destName)
	}

	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFound("artifact source %s", src)
		}
		return "", errors.Wrapf(err, "open artifact source %s", src)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", errors.Wrapf(err, "create artifact %s", dest)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return "", errors.Wrapf(err, "copy artifact %s", destName)
	}
	if err := out.Close(); err != nil {
		return "", errors.Wrapf(err, "close artifact %s", dest)
	}
	return dest, nil
}
