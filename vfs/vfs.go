// Package vfs abstracts file access for decoders. Different files can be
// used concurrently, a single file cannot.
package vfs

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// File is an open file.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
}

// FS opens files by name.
type FS interface {
	Open(name string) (File, error)
}

type aferoFS struct {
	fs afero.Fs
}

// New returns FS backed by afero file system.
func New(fs afero.Fs) FS {
	return aferoFS{fs: fs}
}

// OS returns FS backed by the operating system.
func OS() FS {
	return New(afero.NewOsFs())
}

// Memory returns FS backed by memory and the underlying afero file
// system, so files can be created.
func Memory() (FS, afero.Fs) {
	fs := afero.NewMemMapFs()
	return New(fs), fs
}

func (a aferoFS) Open(name string) (File, error) {
	f, err := a.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return f, nil
}

// ReadAll reads the whole file into memory.
func ReadAll(fs FS, name string) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return data, nil
}
