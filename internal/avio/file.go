package avio

import (
	"io"
	"os"
	"path/filepath"

	pkgerrors "github.com/pkg/errors"
)

func openFile(path string, opts Options) (io.Writer, io.Closer, error) {
	if path == "" {
		return nil, nil, pkgerrors.New("empty output path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, pkgerrors.Wrapf(err, "failed to create output directory %s", dir)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "failed to open %s", path)
	}
	return &interruptWriter{w: f, interrupted: opts.Interrupt}, f, nil
}
