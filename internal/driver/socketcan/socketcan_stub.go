//go:build !linux

// SocketCAN is Linux-only; other platforms get an Open that fails cleanly so
// the command layer can report a driver error instead of a build break.
package socketcan

import (
	"fmt"
	"runtime"

	"github.com/wbocian/go-can-console/internal/driver"
)

// Open satisfies driver.OpenFunc on non-Linux builds.
func Open(name string, cfg driver.Config) (driver.Driver, error) {
	return nil, fmt.Errorf("%w: socketcan requires linux, not %s", driver.ErrUnsupported, runtime.GOOS)
}
