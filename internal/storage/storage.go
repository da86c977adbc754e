// Package storage keeps uploaded letters and reports in a local directory
// that is served read-only under a public path.
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNotPDF      = errors.New("only PDF files are accepted")
	ErrTooLarge    = errors.New("file too large")
)

type Store struct {
	Root       string
	PublicPath string
	// MaxBytes bounds a single upload; zero means unbounded.
	MaxBytes int64
}

func New(root, publicPath string, maxMB int) (Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Store{}, fmt.Errorf("create upload dir: %w", err)
	}
	return Store{Root: root, PublicPath: publicPath, MaxBytes: int64(maxMB) << 20}, nil
}

// Save writes r to name and returns the reference to record. An existing
// file with the same name is replaced.
func (s Store) Save(name string, r io.Reader) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.Root, ".upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.MaxBytes > 0 {
		src = io.LimitReader(r, s.MaxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if s.MaxBytes > 0 && n > s.MaxBytes {
		return "", ErrTooLarge
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Root, name)); err != nil {
		return "", err
	}
	return name, nil
}

// SavePDF is Save restricted to PDF content.
func (s Store) SavePDF(name string, r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", err
	}
	if !IsPDF(head) {
		return "", ErrNotPDF
	}
	return s.Save(name, br)
}

func (s Store) Open(ref string) (*os.File, error) {
	if err := validName(ref); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.Root, ref))
}

func (s Store) Remove(ref string) error {
	if err := validName(ref); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.Root, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// URL returns the public read path for ref.
func (s Store) URL(ref string) string {
	if ref == "" {
		return ""
	}
	base := s.PublicPath
	if base == "" {
		base = "/uploads"
	}
	return path.Join(base, ref)
}

func IsPDF(head []byte) bool {
	return mimetype.Detect(head).Is("application/pdf")
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
