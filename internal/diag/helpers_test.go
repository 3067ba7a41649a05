package diag

import (
	"os"
	"path/filepath"

	"github.com/banshee-data/ballrig/internal/monitoring"
)

func monitoringOpts() monitoring.RotateOptions {
	return monitoring.RotateOptions{MaxSizeMB: 1, MaxBackups: 1}
}

func readFile(dir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(dir, name))
}
