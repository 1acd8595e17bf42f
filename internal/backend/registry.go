package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds a driver. The logger receives the library's log and
// warning callbacks; panic is invoked on unrecoverable library state and
// must not return.
type Factory func(log *slog.Logger, panicFn func(format string, args ...any)) (Driver, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]Factory{}
)

// Register makes a driver available under name. It panics on duplicate
// registration, like database/sql.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("backend: Register called twice for driver " + name)
	}
	drivers[name] = f
}

// Open instantiates the named driver.
func Open(name string, log *slog.Logger, panicFn func(format string, args ...any)) (Driver, error) {
	driversMu.Lock()
	f, ok := drivers[name]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend driver %q is not available in this build (have %v)", name, Names())
	}
	return f(log, panicFn)
}

// Names lists the registered drivers, sorted.
func Names() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
