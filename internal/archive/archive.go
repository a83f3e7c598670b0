// Package archive extracts and validates uploaded function archives.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dartcloud/dartcloud/internal/domain"
)

const (
	maxFiles      = 1000
	maxPathLength = 256
)

// ManifestFileName must be present at the archive root.
const ManifestFileName = "pubspec.yaml"

// ExtractTarGz extracts a tar.gz archive into destDir. maxBytes caps the
// total uncompressed size. Absolute paths, ".." components, and symlink
// entries are rejected; a corrupted stream maps to ErrInvalidArchive.
func ExtractTarGz(data []byte, destDir string, maxBytes int64) error {
	gzr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: not a gzip stream", domain.ErrInvalidArchive)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var total int64
	files := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: corrupted tar stream", domain.ErrInvalidArchive)
		}

		rel, err := sanitizePath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(filepath.Join(destDir, rel), 0755); err != nil {
				return fmt.Errorf("create dir %s: %w", rel, err)
			}
			continue
		case tar.TypeReg:
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: link entries are not allowed: %s", domain.ErrInvalidArchive, rel)
		default:
			continue
		}

		files++
		if files > maxFiles {
			return fmt.Errorf("%w: too many files (max %d)", domain.ErrInvalidArchive, maxFiles)
		}

		total += hdr.Size
		if maxBytes > 0 && total > maxBytes {
			return fmt.Errorf("%w: archive exceeds %d bytes uncompressed", domain.ErrInvalidArchive, maxBytes)
		}

		dst := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}

		limit := hdr.Size
		if maxBytes > 0 {
			limit = maxBytes - (total - hdr.Size) + 1
		}
		content, err := io.ReadAll(io.LimitReader(tr, limit))
		if err != nil {
			return fmt.Errorf("%w: read %s", domain.ErrInvalidArchive, rel)
		}
		if maxBytes > 0 && total-hdr.Size+int64(len(content)) > maxBytes {
			return fmt.Errorf("%w: archive exceeds %d bytes uncompressed", domain.ErrInvalidArchive, maxBytes)
		}

		mode := os.FileMode(0644)
		if hdr.FileInfo().Mode()&0111 != 0 {
			mode = 0755
		}
		if err := os.WriteFile(dst, content, mode); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}

	if files == 0 {
		return fmt.Errorf("%w: archive is empty", domain.ErrInvalidArchive)
	}
	return nil
}

// ValidateTree runs the structural checks on an extracted archive: manifest
// present at the root and at least one source file anywhere in the tree.
func ValidateTree(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ManifestFileName)); err != nil {
		return fmt.Errorf("%w: missing %s", domain.ErrInvalidArchive, ManifestFileName)
	}

	found := false
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(info.Name(), ".dart") {
			found = true
		}
		return nil
	})
	if !found {
		return fmt.Errorf("%w: no source files", domain.ErrInvalidArchive)
	}
	return nil
}

// sanitizePath normalizes an entry name and rejects escapes. An empty return
// with nil error means the entry should be skipped.
func sanitizePath(name string) (string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if name == "" || name == "." {
		return "", nil
	}
	if len(name) > maxPathLength {
		return "", fmt.Errorf("%w: path too long: %s", domain.ErrInvalidArchive, name[:32])
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: absolute path: %s", domain.ErrInvalidArchive, name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes archive root: %s", domain.ErrInvalidArchive, name)
	}
	return clean, nil
}
