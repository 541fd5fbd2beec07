// Package envfile maintains a dotenv-style KEY=VALUE file shared with other
// processes (the tunnel connector reads its token from it).
//
// Reading skips blank lines and lines starting with '#', and splits each
// remaining line on the first '='. Writing rewrites the file with existing
// keys in their original order and new keys appended. Comments are not
// preserved.
package envfile

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidKey is returned for keys that cannot round-trip through the format
var ErrInvalidKey = errors.New("envfile: key must be non-empty and contain no '=', '#' or line breaks")

// File is a KEY=VALUE file on disk. Writes through one File are serialized and
// each write replaces the file atomically.
type File struct {
	path string
	mu   sync.Mutex
}

// New returns a File for path. The file need not exist yet.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the file location
func (f *File) Path() string {
	return f.path
}

type entry struct {
	key   string
	value string
}

// Read returns the current key/value pairs in file order. A missing file reads
// as empty.
func (f *File) Read() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.key] = e.value
	}
	return out, nil
}

// Set writes key=value, replacing an existing value in place or appending the
// key at the end.
func (f *File) Set(key, value string) error {
	if key == "" || strings.ContainsAny(key, "=#\r\n") || strings.TrimSpace(key) != key {
		return ErrInvalidKey
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("envfile: value for %s contains a line break", key)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}

	found := false
	for i := range entries {
		if entries[i].key == key {
			entries[i].value = value
			found = true
		}
	}
	if !found {
		entries = append(entries, entry{key: key, value: value})
	}

	return f.write(entries)
}

func (f *File) load() ([]entry, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("envfile: failed to open %s: %w", f.path, err)
	}
	defer file.Close()

	var entries []entry
	index := map[string]int{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		// a repeated key keeps its first position and its last value
		if i, dup := index[key]; dup {
			entries[i].value = value
			continue
		}
		index[key] = len(entries)
		entries = append(entries, entry{key: key, value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("envfile: failed to read %s: %w", f.path, err)
	}
	return entries, nil
}

func (f *File) write(entries []entry) error {
	dir := filepath.Dir(f.path)
	mode := fs.FileMode(0o600)
	if info, err := os.Stat(f.path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("envfile: failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%s=%s\n", e.key, e.value); err != nil {
			tmp.Close()
			return fmt.Errorf("envfile: failed to write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("envfile: failed to write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("envfile: failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("envfile: failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("envfile: failed to set mode: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("envfile: failed to replace %s: %w", f.path, err)
	}
	return nil
}
