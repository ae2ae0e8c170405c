package feeds

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"iocpipe/util"
)

const defaultMaxEntryBytes = 512 * 1024 * 1024

// ZipExtractor unpacks an archive held in memory and returns the members in
// archive order. With KeepFiles the archive and its members are also written
// to a fresh directory under WorkDir, one per call.
type ZipExtractor struct {
	WorkDir       string
	MaxEntryBytes int64
	KeepFiles     bool
}

// NewZipExtractor creates an extractor rooted at workDir.
func NewZipExtractor(workDir string) *ZipExtractor {
	return &ZipExtractor{WorkDir: workDir, MaxEntryBytes: defaultMaxEntryBytes}
}

// Extract unpacks archive. name is only used for the on-disk copy.
func (z *ZipExtractor) Extract(ctx context.Context, name string, archive []byte) ([]Entry, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var entries []Entry
	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if file.FileInfo().IsDir() {
			continue
		}
		if _, err := z.entryPath(z.WorkDir, file.Name); err != nil {
			return nil, err
		}

		data, err := z.readEntry(file)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: file.Name, Data: data})
	}

	if len(entries) == 0 {
		return nil, ErrEmptyArchive
	}

	if z.KeepFiles {
		if err := z.keep(name, archive, entries); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// keep writes the archive and its members into a new directory named after
// the archive, so concurrent extractions of the same package never share files.
func (z *ZipExtractor) keep(name string, archive []byte, entries []Entry) error {
	if err := os.MkdirAll(z.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	base := filepath.Base(filepath.Clean("/" + name))
	dir, err := os.MkdirTemp(z.WorkDir, strings.TrimSuffix(base, filepath.Ext(base))+"-*")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base), archive, 0o600); err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}

	for _, e := range entries {
		target, err := z.entryPath(dir, e.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create entry directory: %w", err)
		}
		if err := os.WriteFile(target, e.Data, 0o600); err != nil {
			return fmt.Errorf("failed to write entry %s: %w", e.Name, err)
		}
	}
	return nil
}

// entryPath rejects members that would land outside root.
func (z *ZipExtractor) entryPath(root, name string) (string, error) {
	target, err := util.ResolveWithin(root, name)
	if err != nil {
		return "", fmt.Errorf("%w: archive entry: %v", ErrMalformedPayload, err)
	}
	return target, nil
}

func (z *ZipExtractor) readEntry(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	defer rc.Close()

	limit := z.MaxEntryBytes
	if limit <= 0 {
		limit = defaultMaxEntryBytes
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: archive entry %s exceeds %d bytes", ErrMalformedPayload, file.Name, limit)
	}
	return data, nil
}
