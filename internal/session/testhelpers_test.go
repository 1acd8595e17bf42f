package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/workfile"
)

// fakeDriver is an in-memory disk library for driving the orchestrator.
type fakeDriver struct {
	disks map[string]*fakeDisk

	prepared int
	ended    int
	cleanups int

	lastOpts backend.ConnectOptions
	conns    []*fakeConn
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{disks: map[string]*fakeDisk{}}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) PrepareForAccess(backend.ConnectParams, string) error {
	d.prepared++
	return nil
}

func (d *fakeDriver) EndAccess(backend.ConnectParams, string) error {
	d.ended++
	return nil
}

func (d *fakeDriver) CleanupStale(backend.ConnectParams) (int, int, error) {
	d.cleanups++
	return 0, 0, nil
}

func (d *fakeDriver) Connect(_ backend.ConnectParams, opts backend.ConnectOptions) (backend.Connection, error) {
	d.lastOpts = opts
	conn := &fakeConn{d: d, opts: opts}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDriver) addDisk(path string, capacitySectors uint64) *fakeDisk {
	disk := newFakeDisk(capacitySectors)
	d.disks[path] = disk
	return disk
}

type fakeConn struct {
	d           *fakeDriver
	opts        backend.ConnectOptions
	opens       int
	disconnects int
}

func (c *fakeConn) Disconnect() error {
	c.disconnects++
	return nil
}

func (c *fakeConn) Open(path string, readOnly bool) (backend.Handle, error) {
	disk, ok := c.d.disks[path]
	if !ok {
		return nil, fmt.Errorf("no such disk %s", path)
	}
	c.opens++
	return &fakeHandle{disk: disk, readOnly: readOnly}, nil
}

func (c *fakeConn) Create(path string, capacity uint64, adapter backend.AdapterType, _ backend.DiskType) error {
	disk := c.d.addDisk(path, capacity)
	disk.info.AdapterType = adapter
	return nil
}

type queryCall struct {
	start, num, chunk uint64
}

type fakeDisk struct {
	mu   sync.Mutex
	data []byte
	meta map[string][]byte
	keys []string // metadata enumeration order

	allocated []backend.Extent // preset QueryAllocated answer
	info      backend.Info

	maxRead int
	writes  int
	queries []queryCall
}

func newFakeDisk(capacitySectors uint64) *fakeDisk {
	return &fakeDisk{
		data: make([]byte, capacitySectors*backend.SectorSize),
		meta: map[string][]byte{},
		info: backend.Info{
			Capacity:           capacitySectors,
			BiosGeometry:       backend.Geometry{Cylinders: 1024, Heads: 255, Sectors: 63},
			PhysGeometry:       backend.Geometry{Cylinders: 2048, Heads: 16, Sectors: 63},
			AdapterType:        backend.AdapterSCSIBusLogic,
			LogicalSectorSize:  backend.SectorSize,
			PhysicalSectorSize: backend.SectorSize,
		},
	}
}

func (d *fakeDisk) fillPattern() {
	for i := range d.data {
		d.data[i] = byte(i % 251)
	}
}

func (d *fakeDisk) setMetadata(key string, value []byte) {
	if _, ok := d.meta[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.meta[key] = value
}

type fakeHandle struct {
	disk     *fakeDisk
	readOnly bool
	closed   int
}

func (h *fakeHandle) Info() (*backend.Info, error) {
	info := h.disk.info
	return &info, nil
}

func (h *fakeHandle) Read(sectorOffset uint64, buf []byte) error {
	h.disk.mu.Lock()
	defer h.disk.mu.Unlock()

	off := sectorOffset * backend.SectorSize
	if off+uint64(len(buf)) > uint64(len(h.disk.data)) {
		return fmt.Errorf("read past end: sector %d + %d bytes", sectorOffset, len(buf))
	}
	copy(buf, h.disk.data[off:])
	if len(buf) > h.disk.maxRead {
		h.disk.maxRead = len(buf)
	}
	return nil
}

func (h *fakeHandle) Write(sectorOffset uint64, buf []byte) error {
	if h.readOnly {
		return fmt.Errorf("write on read-only handle")
	}
	h.disk.mu.Lock()
	defer h.disk.mu.Unlock()

	off := sectorOffset * backend.SectorSize
	if off+uint64(len(buf)) > uint64(len(h.disk.data)) {
		return fmt.Errorf("write past end: sector %d + %d bytes", sectorOffset, len(buf))
	}
	copy(h.disk.data[off:], buf)
	h.disk.writes++
	return nil
}

func (h *fakeHandle) QueryAllocated(start, num, chunk uint64) ([]backend.Extent, error) {
	h.disk.mu.Lock()
	defer h.disk.mu.Unlock()

	h.disk.queries = append(h.disk.queries, queryCall{start, num, chunk})

	var out []backend.Extent
	for _, e := range h.disk.allocated {
		if e.Offset >= start+num || e.Offset+e.Length <= start {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (h *fakeHandle) MetadataKeys() ([]string, error) {
	return append([]string(nil), h.disk.keys...), nil
}

func (h *fakeHandle) ReadMetadata(key string) ([]byte, error) {
	value, ok := h.disk.meta[key]
	if !ok {
		return nil, fmt.Errorf("no metadata key %s", key)
	}
	return value, nil
}

func (h *fakeHandle) WriteMetadata(key string, value []byte) error {
	if h.readOnly {
		return fmt.Errorf("metadata write on read-only handle")
	}
	h.disk.setMetadata(key, value)
	return nil
}

func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWork(diskPath string, ci *workfile.ChangeInfo) *workfile.Work {
	return &workfile.Work{
		Conn: &workfile.ConnParams{
			VMMoRef:       "moref=vm-1",
			Host:          "vcenter.example.com",
			Username:      "backup",
			Password:      "secret",
			SnapshotMoRef: "moref=snapshot-9",
		},
		Disk:       &workfile.DiskParams{Path: diskPath},
		ChangeInfo: ci,
	}
}
