package monitoring

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// OpenWriter resolves a log destination. "stderr" and "stdout" produce a
// human-readable console writer, "off" or "" disables the stream, "json" is
// raw JSON on stderr, and anything else is treated as a file path opened in
// append mode.
func OpenWriter(dest string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(dest)) {
	case "", "off", "none":
		return nil, nil, nil
	case "stderr":
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, nil, nil
	case "stdout":
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}, nil, nil
	case "json":
		return os.Stderr, nil, nil
	}

	path := filepath.Clean(dest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %q: %w", path, err)
	}
	return f, f, nil
}

// OpenLogWriters resolves the three stream destinations. The returned closer
// releases any files that were opened.
func OpenLogWriters(ops, diag, trace string) (LogWriters, io.Closer, error) {
	var (
		w       LogWriters
		closers multiCloser
	)
	for _, item := range []struct {
		dest string
		out  *io.Writer
	}{
		{ops, &w.Ops},
		{diag, &w.Diag},
		{trace, &w.Trace},
	} {
		wr, c, err := OpenWriter(item.dest)
		if err != nil {
			closers.Close()
			return LogWriters{}, nil, err
		}
		*item.out = wr
		if c != nil {
			closers = append(closers, c)
		}
	}
	return w, closers, nil
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
