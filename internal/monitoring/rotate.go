package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateOptions controls the size-based rotation of the process log.
type RotateOptions struct {
	MaxSizeMB  int  `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `json:"compress" yaml:"compress"`
}

func (o RotateOptions) withDefaults() RotateOptions {
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 25
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 5
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 7
	}
	return o
}

// NewRotatingWriter returns a lumberjack writer for dir/name. The directory is
// created if missing.
func NewRotatingWriter(dir, name string, opts RotateOptions) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	opts = opts.withDefaults()
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    opts.MaxSizeMB,
		MaxAge:     opts.MaxAgeDays,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
	}, nil
}

// SetupRotatingLog sends the standard logger to stdout and to a rotated
// ballrig.log under dir. The returned closer releases the file.
func SetupRotatingLog(dir string, opts RotateOptions) (io.Closer, error) {
	rotator, err := NewRotatingWriter(dir, "ballrig.log", opts)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	return rotator, nil
}
