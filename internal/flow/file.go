package flow

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File is a (basename, directory) pair resolving to an absolute path,
// with helpers for the handful of read/write operations the engine needs.
type File struct {
	basename string
	dirname  string
}

// NewFile builds a File for basename inside dirname. dirname is made absolute.
func NewFile(basename, dirname string) File {
	abs, err := filepath.Abs(dirname)
	if err != nil {
		abs = dirname
	}
	return File{basename: basename, dirname: abs}
}

func (f File) Basename() string { return f.basename }

func (f File) Dirname() string { return f.dirname }

func (f File) Path() string { return filepath.Join(f.dirname, f.basename) }

func (f File) Exists() bool {
	_, err := os.Stat(f.Path())
	return err == nil
}

func (f File) Read() (string, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.Path(), err)
	}
	return string(data), nil
}

// ReadLines returns the file content split into lines without trailing newlines.
func (f File) ReadLines() ([]string, error) {
	fh, err := os.Open(f.Path())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path(), err)
	}
	defer fh.Close()
	var lines []string
	s := bufio.NewScanner(fh)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", f.Path(), err)
	}
	return lines, nil
}

func (f File) Write(content string) error {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(f.Path(), []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", f.Path(), err)
	}
	return nil
}
