package download

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// archiveContains reports whether archivePath exists and already has an
// entry named filename. A missing archive is not an error: it simply
// contains nothing yet.
func archiveContains(fs afero.Fs, archivePath, filename string) (bool, error) {
	data, err := afero.ReadFile(fs, archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read archive: %w", err)
	}
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range r.File {
		if f.Name == filename {
			return true, nil
		}
	}
	return false, nil
}

// appendToArchive adds filename/content as a new entry to archivePath,
// preserving every entry already present. ZIP has no native incremental
// append, so this reads the whole archive (if any), rewrites it plus the
// new entry into a buffer, and overwrites the file in place with
// afero.WriteFile; the replacement is not atomic.
func appendToArchive(fs afero.Fs, archivePath, filename string, content []byte) error {
	var existing []byte
	data, err := afero.ReadFile(fs, archivePath)
	if err == nil {
		existing = data
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read archive: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if len(existing) > 0 {
		r, err := zip.NewReader(bytes.NewReader(existing), int64(len(existing)))
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		for _, f := range r.File {
			w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: f.Method})
			if err != nil {
				return fmt.Errorf("copy archive entry %q: %w", f.Name, err)
			}
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("read archive entry %q: %w", f.Name, err)
			}
			_, err = io.Copy(w, rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("copy archive entry %q: %w", f.Name, err)
			}
		}
	}

	// Default compression per §6: zip.Deflate, matching what zip.Writer.Create
	// (and Go's own zip CLI tooling) uses as its unqualified default.
	w, err := zw.CreateHeader(&zip.FileHeader{Name: filename, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create archive entry %q: %w", filename, err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("write archive entry %q: %w", filename, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}

	if err := afero.WriteFile(fs, archivePath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}
