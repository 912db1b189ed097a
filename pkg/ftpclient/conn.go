package ftpclient

import (
	"context"
	"fmt"
	"io"

	"github.com/jlaffaye/ftp"

	"github.com/sgaunet/cruisesync/pkg/config"
)

// EntryKind distinguishes files from directories in a listing.
type EntryKind string

const (
	// KindFile is a regular remote file.
	KindFile EntryKind = "file"
	// KindDir is a remote directory.
	KindDir EntryKind = "dir"
)

// Entry is one remote directory entry.
type Entry struct {
	Name string
	Kind EntryKind
	Size uint64
}

// Conn is one remote session. The interface hides the concrete FTP library
// so the pool and its callers can be tested with fakes.
type Conn interface {
	List(path string) ([]Entry, error)
	Fetch(path string) ([]byte, error)
	Quit() error
}

// Dialer opens a fresh authenticated session.
type Dialer func(ctx context.Context) (Conn, error)

// NewDialer builds a Dialer for the configured vendor FTP endpoint.
func NewDialer(cfg config.FtpConfig) Dialer {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return func(ctx context.Context) (Conn, error) {
		c, err := ftp.Dial(addr,
			ftp.DialWithContext(ctx),
			ftp.DialWithTimeout(cfg.DialTimeout()),
		)
		if err != nil {
			return nil, classify(fmt.Errorf("dial %s: %w", addr, err))
		}
		if err := c.Login(cfg.User, cfg.Password); err != nil {
			_ = c.Quit()
			return nil, classify(fmt.Errorf("login %s: %w", addr, err))
		}
		return &ftpConn{c: c}, nil
	}
}

// ftpConn adapts *ftp.ServerConn to the Conn interface.
type ftpConn struct {
	c *ftp.ServerConn
}

func (f *ftpConn) List(path string) ([]Entry, error) {
	entries, err := f.c.List(path)
	if err != nil {
		return nil, classify(fmt.Errorf("list %s: %w", path, err))
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		switch e.Type {
		case ftp.EntryTypeFile:
			out = append(out, Entry{Name: e.Name, Kind: KindFile, Size: e.Size})
		case ftp.EntryTypeFolder:
			out = append(out, Entry{Name: e.Name, Kind: KindDir})
		}
	}
	return out, nil
}

func (f *ftpConn) Fetch(path string) ([]byte, error) {
	resp, err := f.c.Retr(path)
	if err != nil {
		return nil, classify(fmt.Errorf("retr %s: %w", path, err))
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, classify(fmt.Errorf("read %s: %w", path, err))
	}
	return data, nil
}

func (f *ftpConn) Quit() error {
	return f.c.Quit()
}
