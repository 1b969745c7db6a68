// Package packager builds and extracts the tar.gz archives exchanged
// with the cloud service: one config.json entry followed by the
// workload ELF files on the way up, and the decrypted result archive
// on the way down.
package packager

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudexp/cloudexp/internal/cerrors"
	"github.com/cloudexp/cloudexp/internal/util"
)

// Workload is one local ELF file to include in the package, keyed by
// the basename it will be stored under.
type Workload struct {
	Basename string
	Path     string
}

// Pack writes a gzip-compressed tar to outPath containing a UTF-8
// "config.json" entry followed by each workload, in the order given.
// A second workload sharing a basename is rejected before anything is
// written.
func Pack(outPath string, configJSON []byte, workloads []Workload) (err error) {
	const phase = "packaging"

	seen := make(map[string]bool, len(workloads))
	for _, w := range workloads {
		if seen[w.Basename] {
			return cerrors.NewInvalidInput(phase, fmt.Sprintf("duplicate workload basename %q", w.Basename))
		}
		seen[w.Basename] = true
	}

	out, err := os.Create(outPath)
	if err != nil {
		return cerrors.NewPackagingError(phase, "create output file", err)
	}
	cleanup := func() {
		out.Close()
		os.Remove(outPath)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	if err := writeEntry(tw, "config.json", configJSON); err != nil {
		cleanup()
		return cerrors.NewPackagingError(phase, "write config.json entry", err)
	}

	for _, w := range workloads {
		if err := writeFileEntry(tw, w.Basename, w.Path); err != nil {
			cleanup()
			return cerrors.NewPackagingError(phase, fmt.Sprintf("write workload %q", w.Basename), err)
		}
	}

	if err := tw.Close(); err != nil {
		cleanup()
		return cerrors.NewPackagingError(phase, "close tar writer", err)
	}
	if err := gz.Close(); err != nil {
		cleanup()
		return cerrors.NewPackagingError(phase, "close gzip writer", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return cerrors.NewPackagingError(phase, "close output file", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func writeFileEntry(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	buf := util.GetStreamBuffer()
	defer util.PutStreamBuffer(buf)
	_, err = io.CopyBuffer(tw, f, buf)
	return err
}

// Unpack extracts archivePath into destDir. Each entry is validated
// before any of its bytes are written: absolute paths, entries that
// lexically escape destDir once joined, and symlinks or hardlinks are
// all rejected. Entries are handled one at a time in archive order, so
// entries extracted before a rejected one stay in destDir. Mode bits are clamped to 0o644 (files) / 0o755 (dirs) so a
// hostile archive can't hand itself unexpected permissions.
func Unpack(ctx context.Context, archivePath, destDir string) error {
	const phase = "unpacking"

	f, err := os.Open(archivePath)
	if err != nil {
		return cerrors.NewPackagingError(phase, "open archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return cerrors.NewPackagingError(phase, "open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		if err := ctx.Err(); err != nil {
			return cerrors.NewCancelled(phase)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return cerrors.NewPackagingError(phase, "read tar entry", err)
		}

		outPath, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return cerrors.NewPackagingError(phase, fmt.Sprintf("entry %q", hdr.Name), err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return cerrors.NewPackagingError(phase, "create directory", err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, outPath, hdr); err != nil {
				return cerrors.NewPackagingError(phase, fmt.Sprintf("extract %q", hdr.Name), err)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return cerrors.NewPackagingError(phase, fmt.Sprintf("entry %q is a link, rejected", hdr.Name), nil)
		default:
			return cerrors.NewPackagingError(phase, fmt.Sprintf("entry %q has unsupported type %v", hdr.Name, hdr.Typeflag), nil)
		}
	}

	return nil
}

// safeJoin joins destDir and name, rejecting any result that isn't
// lexically contained in destDir. name must not be absolute.
func safeJoin(destDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute path not allowed")
	}
	cleanDest := filepath.Clean(destDir)
	joined := filepath.Join(cleanDest, name)
	if joined != cleanDest && !strings.HasPrefix(joined, cleanDest+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes destination directory")
	}
	return joined, nil
}

func extractFile(tr *tar.Reader, outPath string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	buf := util.GetStreamBuffer()
	defer util.PutStreamBuffer(buf)
	if _, err := io.CopyBuffer(out, tr, buf); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return err
	}

	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(outPath, hdr.ModTime, hdr.ModTime)
	}
	return nil
}
