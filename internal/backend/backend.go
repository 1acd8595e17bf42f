// Package backend defines the capability surface the session uses to talk
// to a disk library: connect/open/create, sector read/write,
// allocated-extent queries and disk metadata. Concrete drivers register
// themselves by name; the proprietary remote driver is an external
// build-time plug-in, while the file driver ships in-tree for local
// images and tests.
package backend

import "fmt"

// SectorSize is the fixed unit of backend addressing. All offsets and
// counts exchanged with a driver are in sectors of this many bytes.
const SectorSize = 512

// Allocated-extent query limits, in sectors. Chunk sizes below the
// minimum are clamped up; a single query covers at most MaxChunkNumber
// chunks.
const (
	MinChunkSize     = 128
	DefaultChunkSize = 2048
	MaxChunkNumber   = 64 * 1024
)

// Geometry is a cylinders/heads/sectors triple.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
}

// Info describes an open disk.
type Info struct {
	Capacity     uint64 // sectors
	BiosGeometry Geometry
	PhysGeometry Geometry
	AdapterType  AdapterType

	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
}

// Extent is an allocated range of the disk, in sectors.
type Extent struct {
	Offset uint64
	Length uint64
}

// ConnectParams identifies the remote endpoint and VM. The file driver
// ignores everything but uses the VM ref to scope its lease files.
type ConnectParams struct {
	VMMoRef    string
	Host       string
	Thumbprint string
	Username   string
	Password   string
}

// ConnectOptions control a single connection.
type ConnectOptions struct {
	ReadOnly    bool
	SnapshotRef string
	Transport   string // force a specific transport; empty lets the driver pick
}

// Driver is a disk-library binding. Implementations must be safe for the
// session's call pattern: one connection at a time, handles accessed from
// one goroutine at a time.
type Driver interface {
	Name() string

	// PrepareForAccess and EndAccess bracket remote sessions and are
	// advisory: failures are logged by the caller, not fatal.
	PrepareForAccess(params ConnectParams, identity string) error
	EndAccess(params ConnectParams, identity string) error

	// CleanupStale removes leftover state from crashed sessions and
	// reports how many items were cleaned and how many remain.
	CleanupStale(params ConnectParams) (cleaned, remaining int, err error)

	Connect(params ConnectParams, opts ConnectOptions) (Connection, error)
}

// Connection is an established disk-library session.
type Connection interface {
	Open(path string, readOnly bool) (Handle, error)
	Create(path string, capacity uint64, adapter AdapterType, diskType DiskType) error
	Disconnect() error
}

// Handle is an open disk. Read and Write move len(buf) bytes, which must
// be a multiple of SectorSize; partial transfers are errors.
type Handle interface {
	Info() (*Info, error)
	Read(sectorOffset uint64, buf []byte) error
	Write(sectorOffset uint64, buf []byte) error

	// QueryAllocated reports the allocated extents inside
	// [startSector, startSector+numSectors) at chunkSize granularity,
	// sorted and disjoint.
	QueryAllocated(startSector, numSectors, chunkSize uint64) ([]Extent, error)

	MetadataKeys() ([]string, error)
	ReadMetadata(key string) ([]byte, error)
	WriteMetadata(key string, value []byte) error

	Close() error
}

// Error carries a disk-library failure with the library's own text and
// numeric code, printed verbatim.
type Error struct {
	Op   string
	Code uint64
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s [%d]", e.Op, e.Text, e.Code)
}
