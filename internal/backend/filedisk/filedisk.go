// Package filedisk is the in-tree backend driver for plain image files.
// It backs the -l local mode and the test suite: sector I/O via
// pread/pwrite, allocated-extent queries via the filesystem's sparse map,
// disk metadata in a JSON sidecar, and advisory lease files to keep two
// sessions off the same image.
package filedisk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/vadpdump/vadpdump/internal/backend"
)

// DriverName is the registry name of this driver.
const DriverName = "file"

const (
	sidecarSuffix = ".meta.json"
	leasePrefix   = "vadpdump-"

	defaultHeads   = 255
	defaultSectors = 63
)

func init() {
	backend.Register(DriverName, func(log *slog.Logger, panicFn func(string, ...any)) (backend.Driver, error) {
		return &driver{log: log, leases: map[string]*flock.Flock{}}, nil
	})
}

type driver struct {
	log    *slog.Logger
	leases map[string]*flock.Flock
}

func (d *driver) Name() string { return DriverName }

func leasePath(params backend.ConnectParams) string {
	ref := params.VMMoRef
	if ref == "" {
		ref = "local"
	}
	ref = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '\\':
			return '_'
		}
		return r
	}, ref)
	return filepath.Join(os.TempDir(), leasePrefix+ref+".lease")
}

func (d *driver) PrepareForAccess(params backend.ConnectParams, identity string) error {
	path := leasePath(params)
	lk := flock.New(path)
	locked, err := lk.TryLock()
	if err != nil {
		return fmt.Errorf("lease %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("lease %s is held by another session", path)
	}
	// Record who holds the lease; content is informational only, the
	// flock is what protects it.
	_ = os.WriteFile(path, []byte(fmt.Sprintf("%s %d\n", identity, os.Getpid())), 0o644)
	d.leases[path] = lk
	return nil
}

func (d *driver) EndAccess(params backend.ConnectParams, identity string) error {
	path := leasePath(params)
	lk, ok := d.leases[path]
	if !ok {
		return nil
	}
	delete(d.leases, path)
	if err := lk.Unlock(); err != nil {
		return fmt.Errorf("release lease %s: %w", path, err)
	}
	_ = os.Remove(path)
	return nil
}

func (d *driver) CleanupStale(params backend.ConnectParams) (cleaned, remaining int, err error) {
	path := leasePath(params)
	if _, ok := d.leases[path]; ok {
		// Our own live lease is not stale.
		return 0, 0, nil
	}
	if _, serr := os.Stat(path); serr != nil {
		return 0, 0, nil
	}

	lk := flock.New(path)
	locked, lerr := lk.TryLock()
	if lerr != nil {
		return 0, 0, fmt.Errorf("lease %s: %w", path, lerr)
	}
	if !locked {
		return 0, 1, nil
	}
	defer lk.Unlock() //nolint:errcheck

	if rerr := os.Remove(path); rerr != nil {
		return 0, 1, rerr
	}
	d.log.Debug("removed stale lease", "path", path)
	return 1, 0, nil
}

func (d *driver) Connect(params backend.ConnectParams, opts backend.ConnectOptions) (backend.Connection, error) {
	return &conn{log: d.log}, nil
}

// conn carries no remote state; the read/write split is per handle, the
// way a dump session opens its clone for writing on a read-only
// connection.
type conn struct {
	log *slog.Logger
}

func (c *conn) Disconnect() error { return nil }

func (c *conn) Open(path string, readOnly bool) (backend.Handle, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	return &handle{log: c.log, f: f, path: path, readOnly: readOnly}, nil
}

// Create writes the image to a temp name and renames it into place, so a
// crash mid-create never leaves a half-sized image under the final name.
func (c *conn) Create(path string, capacity uint64, adapter backend.AdapterType, diskType backend.DiskType) error {
	size := int64(capacity) * backend.SectorSize
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.New().String()[:8])

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create image %s: %w", tmp, err)
	}
	defer os.Remove(tmp) //nolint:errcheck // no-op once renamed

	if diskType.Sparse() {
		err = f.Truncate(size)
	} else {
		err = preallocate(f, size)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("size image %s to %d bytes: %w", tmp, size, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close image %s: %w", tmp, err)
	}

	if err := writeSidecar(sidecarPath(path), defaultSidecar(capacity, adapter)); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename image into place: %w", err)
	}
	return nil
}

type handle struct {
	log      *slog.Logger
	f        *os.File
	path     string
	readOnly bool
}

func (h *handle) Close() error { return h.f.Close() }

func (h *handle) Info() (*backend.Info, error) {
	st, err := h.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", h.path, err)
	}

	capacity := uint64(st.Size()) / backend.SectorSize
	cylinders := uint32(capacity / (defaultHeads * defaultSectors))
	if cylinders == 0 {
		cylinders = 1
	}
	geo := backend.Geometry{Cylinders: cylinders, Heads: defaultHeads, Sectors: defaultSectors}

	info := &backend.Info{
		Capacity:           capacity,
		BiosGeometry:       geo,
		PhysGeometry:       geo,
		AdapterType:        backend.AdapterSCSIBusLogic,
		LogicalSectorSize:  backend.SectorSize,
		PhysicalSectorSize: backend.SectorSize,
	}

	if meta, err := readSidecar(sidecarPath(h.path)); err == nil {
		switch string(meta["ddb.adapterType"]) {
		case "ide":
			info.AdapterType = backend.AdapterIDE
		case "lsilogic":
			info.AdapterType = backend.AdapterSCSILsiLogic
		case "buslogic":
			info.AdapterType = backend.AdapterSCSIBusLogic
		}
	}
	return info, nil
}

func (h *handle) Read(sectorOffset uint64, buf []byte) error {
	if len(buf)%backend.SectorSize != 0 {
		return fmt.Errorf("read %s: buffer of %d bytes is not sector aligned", h.path, len(buf))
	}

	fd := int(h.f.Fd())
	off := int64(sectorOffset) * backend.SectorSize
	total := 0
	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], off+int64(total))
		if err != nil {
			return fmt.Errorf("read %s at sector %d: %w", h.path, sectorOffset, err)
		}
		if n == 0 {
			return fmt.Errorf("read %s at sector %d: %w", h.path, sectorOffset, io.ErrUnexpectedEOF)
		}
		total += n
	}
	return nil
}

func (h *handle) Write(sectorOffset uint64, buf []byte) error {
	if h.readOnly {
		return fmt.Errorf("write %s: handle is read-only", h.path)
	}
	if len(buf)%backend.SectorSize != 0 {
		return fmt.Errorf("write %s: buffer of %d bytes is not sector aligned", h.path, len(buf))
	}

	fd := int(h.f.Fd())
	off := int64(sectorOffset) * backend.SectorSize
	written := 0
	for written < len(buf) {
		n, err := unix.Pwrite(fd, buf[written:], off+int64(written))
		if err != nil {
			return fmt.Errorf("write %s at sector %d: %w", h.path, sectorOffset, err)
		}
		written += n
	}
	return nil
}

func sidecarPath(imagePath string) string { return imagePath + sidecarSuffix }

func defaultSidecar(capacity uint64, adapter backend.AdapterType) map[string][]byte {
	name := "buslogic"
	switch adapter {
	case backend.AdapterIDE:
		name = "ide"
	case backend.AdapterSCSILsiLogic:
		name = "lsilogic"
	}
	cylinders := capacity / (defaultHeads * defaultSectors)
	if cylinders == 0 {
		cylinders = 1
	}
	return map[string][]byte{
		"ddb.adapterType":        []byte(name),
		"ddb.virtualHWVersion":   []byte("7"),
		"ddb.geometry.cylinders": []byte(fmt.Sprintf("%d", cylinders)),
		"ddb.geometry.heads":     []byte(fmt.Sprintf("%d", defaultHeads)),
		"ddb.geometry.sectors":   []byte(fmt.Sprintf("%d", defaultSectors)),
	}
}

func readSidecar(path string) (map[string][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := map[string][]byte{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata sidecar %s: %w", path, err)
	}
	return meta, nil
}

func writeSidecar(path string, meta map[string][]byte) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata sidecar %s: %w", path, err)
	}
	return nil
}

func (h *handle) MetadataKeys() ([]string, error) {
	meta, err := readSidecar(sidecarPath(h.path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (h *handle) ReadMetadata(key string) ([]byte, error) {
	meta, err := readSidecar(sidecarPath(h.path))
	if err != nil {
		return nil, err
	}
	value, ok := meta[key]
	if !ok {
		return nil, fmt.Errorf("metadata key %q not present on %s", key, h.path)
	}
	return value, nil
}

func (h *handle) WriteMetadata(key string, value []byte) error {
	if h.readOnly {
		return fmt.Errorf("write metadata %s: handle is read-only", h.path)
	}
	meta, err := readSidecar(sidecarPath(h.path))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		meta = map[string][]byte{}
	}
	meta[key] = value
	return writeSidecar(sidecarPath(h.path), meta)
}
