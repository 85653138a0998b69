package update

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrBusy is returned when an update is already being staged.
var ErrBusy = errors.New("update: already in progress")

// Stager writes a firmware image next to its final path and renames it into
// place once complete. Installing the staged image is left to the service manager.
type Stager struct {
	Path     string
	Reporter *Reporter
	// MaxBytes bounds the accepted image size. Zero means 64 MiB.
	MaxBytes int64
}

// Limit is the effective image size bound.
func (s *Stager) Limit() int64 {
	if s.MaxBytes <= 0 {
		return 64 << 20
	}
	return s.MaxBytes
}

// Stage copies size bytes from r. A size <= 0 reports no intermediate progress.
func (s *Stager) Stage(r io.Reader, size int64) (err error) {
	if s.Path == "" {
		return errors.New("update: no staging path configured")
	}
	rep := s.Reporter
	if rep == nil {
		rep = &Reporter{}
	}
	if rep.Busy() {
		return ErrBusy
	}
	rep.Begin()
	defer func() { rep.Done(err) }()

	limit := s.Limit()
	if size > limit {
		return fmt.Errorf("update: image of %d bytes exceeds limit %d", size, limit)
	}

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("update: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	pw := &progressWriter{w: tmp, total: size, rep: rep}
	n, err := io.Copy(pw, io.LimitReader(r, limit+1))
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("update: write image: %w", err)
	}
	if n > limit {
		_ = tmp.Close()
		return fmt.Errorf("update: image exceeds limit %d", limit)
	}
	if size > 0 && n != size {
		_ = tmp.Close()
		return fmt.Errorf("update: short image: got %d of %d bytes", n, size)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("update: sync: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("update: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("update: close: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		return fmt.Errorf("update: rename: %w", err)
	}
	return nil
}

type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	last    int
	rep     *Reporter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 {
		pct := int(p.written * 100 / p.total)
		if pct != p.last {
			p.last = pct
			p.rep.Progress(pct)
		}
	}
	return n, err
}
