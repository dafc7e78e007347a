package backend

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 512 << 20

// ExtractTarGzFile extracts the tar.gz archive at path into dir.
func ExtractTarGzFile(path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return ExtractTarGz(f, dir)
}

// ExtractTarGz extracts a tar.gz stream into dir. Every entry is validated
// to stay inside dir; entries other than directories and regular files are
// skipped.
func ExtractTarGz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target := filepath.Join(absDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, absDir+string(filepath.Separator)) && target != absDir {
			return fmt.Errorf("archive entry %q escapes extraction directory", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}
		}
	}

	return nil
}

func writeEntry(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxEntrySize)); err != nil {
		f.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	return f.Close()
}
