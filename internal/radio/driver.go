package radio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNoDriver indicates no device driver was linked into the binary.
var ErrNoDriver = errors.New("no radio driver registered")

// Params carries the serial parameters a driver needs to open the
// companion device.
type Params struct {
	SerialPort string
	BaudRate   int
}

// Factory opens a device handle. Drivers register one via RegisterDriver
// from an init func, typically through an underscore import in main.
type Factory func(ctx context.Context, p Params, logger *slog.Logger) (Device, error)

var (
	driverMu sync.RWMutex
	driver   Factory
)

// RegisterDriver installs the device driver. At most one driver may be
// linked; a second registration panics.
func RegisterDriver(f Factory) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if f == nil {
		panic("radio: RegisterDriver with nil factory")
	}
	if driver != nil {
		panic("radio: driver already registered")
	}
	driver = f
}

// OpenDevice opens the companion device through the registered driver.
// Returns ErrNoDriver when the binary was built without one.
func OpenDevice(ctx context.Context, p Params, logger *slog.Logger) (Device, error) {
	driverMu.RLock()
	f := driver
	driverMu.RUnlock()
	if f == nil {
		return nil, ErrNoDriver
	}
	return f(ctx, p, logger)
}
