package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/sharebroker/sharebroker/pkg/registry"
)

// accessLocal performs one operation on a local filesystem share under the
// caller's effective identity.
//
// Only the syscall-touching section runs switched: for ReadRange the file is
// opened and positioned inside the switch, and the descriptor keeps its
// access after identity is restored, so the actual data transfer happens
// unswitched and does not hold the slot.
func (b *Broker) accessLocal(ctx context.Context, rec *registry.PathRecord, req Request) (*Result, error) {
	creds, err := ResolveCredentials(req.Caller)
	if err != nil {
		return nil, err
	}

	target := filepath.Join(rec.CanonicalPath, filepath.FromSlash(req.Relative))

	var result *Result
	err = b.switcher.As(ctx, creds, func() error {
		var innerErr error
		switch req.Op {
		case OpStat:
			result, innerErr = localStat(target)
		case OpList:
			result, innerErr = localList(target)
		case OpReadRange:
			result, innerErr = localReadRange(target, req.Offset, req.Length)
		default:
			innerErr = fmt.Errorf("operation %q not supported on local shares: %w",
				req.Op, registry.ErrInvalidOperation)
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func localStat(target string) (*Result, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, mapOSError(target, err)
	}
	return &Result{Attributes: attributesFromInfo(info)}, nil
}

func localList(target string) (*Result, error) {
	dirents, err := os.ReadDir(target)
	if err != nil {
		return nil, mapOSError(target, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			// Entry vanished between readdir and stat; skip it.
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Size:    info.Size(),
			IsDir:   d.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &Result{Entries: entries}, nil
}

func localReadRange(target string, offset, length int64) (*Result, error) {
	f, err := os.Open(target)
	if err != nil {
		return nil, mapOSError(target, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapOSError(target, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("cannot read directory %q: %w", target, registry.ErrInvalidOperation)
	}

	if offset > info.Size() {
		f.Close()
		return nil, fmt.Errorf("offset %d beyond end of %q (%d bytes): %w",
			offset, target, info.Size(), registry.ErrInvalidOperation)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, mapOSError(target, err)
	}

	remaining := info.Size() - offset
	n := remaining
	if length > 0 && length < remaining {
		n = length
	}

	return &Result{
		Reader: &limitedFile{f: f, r: io.LimitReader(f, n)},
		Length: n,
	}, nil
}

// limitedFile bounds reads to the requested range while still closing the
// underlying file.
type limitedFile struct {
	f *os.File
	r io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error               { return l.f.Close() }

func attributesFromInfo(info fs.FileInfo) *Attributes {
	return &Attributes{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
}

// mapOSError translates filesystem errors into the registry taxonomy.
func mapOSError(target string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%q: %w", target, registry.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%q: %w", target, registry.ErrPermissionDenied)
	default:
		return fmt.Errorf("%q: %w: %v", target, registry.ErrUnavailable, err)
	}
}
