package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/protocol"
	"github.com/vadpdump/vadpdump/internal/workfile"
)

const s = backend.SectorSize

const diskPath = "[datastore1] vm/vm.vmdk"

type record struct {
	start   uint64
	length  uint64
	payload []byte
}

type parsedStream struct {
	di      *protocol.DiskInfo
	meta    map[string][]byte
	order   []string
	records []record
}

func parseStream(t *testing.T, raw []byte) *parsedStream {
	t.Helper()
	r := bytes.NewReader(raw)

	di, err := protocol.ReadDiskInfo(r)
	require.NoError(t, err)

	ps := &parsedStream{di: di, meta: map[string][]byte{}}
	for {
		key, value, ok, err := protocol.ReadMetadataEntry(r)
		require.NoError(t, err)
		if !ok {
			break
		}
		ps.meta[key] = value
		ps.order = append(ps.order, key)
	}

	for {
		start, length, err := protocol.ReadCBTHeader(r)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)

		payload := make([]byte, length)
		_, err = io.ReadFull(r, payload)
		require.NoError(t, err)
		ps.records = append(ps.records, record{start, length, payload})
	}
	require.Zero(t, r.Len(), "trailing bytes after last record")
	return ps
}

func dumpConfig(d *fakeDriver, out io.Writer) Config {
	return Config{
		Out:            out,
		Log:            discardLogger(),
		Driver:         d,
		SectorsPerCall: 100,
		ChunkSize:      128,
		QueryAllocated: true,
		SaveMetadata:   true,
		CheckSize:      true,
	}
}

// setupSourceDisk builds the canonical dump fixture: a patterned 1 MiB
// disk with two allocated regions and three changed areas, dumped with a
// 4-sector absolute start offset.
func setupSourceDisk(d *fakeDriver) (*fakeDisk, *workfile.Work) {
	disk := d.addDisk(diskPath, 2048)
	disk.fillPattern()
	disk.allocated = []backend.Extent{{Offset: 0, Length: 512}, {Offset: 1024, Length: 512}}
	disk.setMetadata("ddb.adapterType", []byte("buslogic"))
	disk.setMetadata("ddb.thinProvisioned", []byte("1"))

	work := testWork(diskPath, &workfile.ChangeInfo{
		Length:      2048 * s,
		StartOffset: 4 * s,
		ChangedArea: []workfile.Area{
			{Start: 0, Length: 256 * s},
			{Start: 500 * s, Length: 600 * s},
			{Start: 1500 * s, Length: 100 * s},
		},
	})
	return disk, work
}

// wantRecords is the allocated∩changed result for setupSourceDisk.
var wantRecords = []struct{ start, length uint64 }{
	{0, 256 * s},
	{500 * s, 12 * s},
	{1024 * s, 76 * s},
	{1500 * s, 36 * s},
}

func TestDumpStream(t *testing.T) {
	d := newFakeDriver()
	disk, work := setupSourceDisk(d)

	var out bytes.Buffer
	sess, err := New(dumpConfig(d, &out))
	require.NoError(t, err)

	require.NoError(t, sess.Dump(context.Background(), work))
	require.NoError(t, sess.Close())

	// Connection contract.
	assert.Equal(t, 1, d.prepared)
	assert.True(t, d.lastOpts.ReadOnly)
	assert.Equal(t, "moref=snapshot-9", d.lastOpts.SnapshotRef)

	ps := parseStream(t, out.Bytes())

	// Disk-info record.
	assert.Equal(t, protocol.Version, ps.di.Version)
	assert.Equal(t, uint64(2048*s), ps.di.DiskLength)
	assert.Equal(t, uint64(4*s), ps.di.StartOffset)
	assert.Equal(t, uint64(2048), ps.di.PhysCapacity)
	assert.Equal(t, uint32(1024), ps.di.BiosCylinders)
	assert.Equal(t, uint32(2048), ps.di.PhysCylinders)

	// Metadata records, in enumeration order.
	assert.Equal(t, []string{"ddb.adapterType", "ddb.thinProvisioned"}, ps.order)
	assert.Equal(t, []byte("buslogic"), ps.meta["ddb.adapterType"])

	// Changed-block records: exactly the allocated∩changed intervals,
	// payloads read from the absolute offset.
	require.Len(t, ps.records, len(wantRecords))
	var payloadTotal uint64
	for i, want := range wantRecords {
		got := ps.records[i]
		assert.Equal(t, want.start, got.start, "record %d start", i)
		assert.Equal(t, want.length, got.length, "record %d length", i)
		assert.Zero(t, got.length%s, "record %d length must be sector aligned", i)

		abs := 4*s + got.start
		assert.Equal(t, disk.data[abs:abs+got.length], got.payload, "record %d payload", i)
		payloadTotal += got.length
	}

	// Sum accounting and chunking bounds.
	snap := sess.Stats()
	assert.Equal(t, int64(payloadTotal), snap.SavedBytes)
	assert.Equal(t, int64(payloadTotal), snap.PayloadBytes)
	assert.Equal(t, int64(956*s), snap.ChangedBytes)
	assert.LessOrEqual(t, disk.maxRead, 100*s)

	// The allocated query ran once over the whole capacity.
	require.Len(t, disk.queries, 1)
	assert.Equal(t, queryCall{0, 2048, 128}, disk.queries[0])
}

func TestDumpPipelinedIsByteIdentical(t *testing.T) {
	run := func(pipelined bool) []byte {
		d := newFakeDriver()
		_, work := setupSourceDisk(d)

		var out bytes.Buffer
		cfg := dumpConfig(d, &out)
		cfg.Pipelined = pipelined
		cfg.PipelineDepth = 3

		sess, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, sess.Dump(context.Background(), work))
		require.NoError(t, sess.Close())
		return out.Bytes()
	}

	assert.Equal(t, run(false), run(true))
}

func TestDumpWholeDiskWhenQueryDisabled(t *testing.T) {
	// Capacity deliberately not a multiple of the query chunk size.
	const capacity = 3*128 + 123

	d := newFakeDriver()
	disk := d.addDisk(diskPath, capacity)
	disk.fillPattern()

	work := testWork(diskPath, &workfile.ChangeInfo{
		Length:      capacity * s,
		StartOffset: 0,
		ChangedArea: []workfile.Area{{Start: 0, Length: capacity * s}},
	})

	var out bytes.Buffer
	cfg := dumpConfig(d, &out)
	cfg.QueryAllocated = false
	cfg.SaveMetadata = false
	cfg.SectorsPerCall = 64

	sess, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Dump(context.Background(), work))
	require.NoError(t, sess.Close())

	ps := parseStream(t, out.Bytes())
	require.Len(t, ps.records, 1)
	assert.Equal(t, uint64(0), ps.records[0].start)
	assert.Equal(t, uint64(capacity*s), ps.records[0].length)
	assert.Equal(t, disk.data, ps.records[0].payload)

	// No sector was truncated and no backend call exceeded the bound.
	assert.LessOrEqual(t, disk.maxRead, 64*s)
	assert.Empty(t, disk.queries)
}

func TestDumpMirrorsRawCloneFile(t *testing.T) {
	d := newFakeDriver()
	disk := d.addDisk(diskPath, 2048)
	disk.fillPattern()
	disk.allocated = []backend.Extent{{Offset: 0, Length: 512}}

	work := testWork(diskPath, &workfile.ChangeInfo{
		Length:      2048 * s,
		StartOffset: 4 * s,
		ChangedArea: []workfile.Area{{Start: 0, Length: 256 * s}},
	})

	rawPath := filepath.Join(t.TempDir(), "clone.raw")
	require.NoError(t, os.WriteFile(rawPath, nil, 0o644))

	var out bytes.Buffer
	cfg := dumpConfig(d, &out)
	cfg.SaveMetadata = false
	cfg.RawPath = rawPath

	sess, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Dump(context.Background(), work))
	require.NoError(t, sess.Close())

	raw, err := os.ReadFile(rawPath)
	require.NoError(t, err)

	// The mirror is positioned at the interval's absolute start.
	require.Equal(t, 4*s+256*s, len(raw))
	assert.Equal(t, disk.data[4*s:4*s+256*s], raw[4*s:])
}

func TestDumpMirrorsCloneDisk(t *testing.T) {
	const clonePath = "/images/clone.vmdk"

	d := newFakeDriver()
	disk, work := setupSourceDisk(d)

	var out bytes.Buffer
	cfg := dumpConfig(d, &out)
	cfg.CloneDiskPath = clonePath
	cfg.CreateDisk = true

	sess, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Dump(context.Background(), work))
	require.NoError(t, sess.Close())

	clone, ok := d.disks[clonePath]
	require.True(t, ok, "clone disk must have been created")
	assert.Equal(t, uint64(2048), clone.info.Capacity)

	// Payload mirrored at absolute offsets, metadata cloned too.
	for _, want := range wantRecords {
		abs := 4*s + want.start
		assert.Equal(t, disk.data[abs:abs+want.length], clone.data[abs:abs+want.length])
	}
	assert.Equal(t, []byte("buslogic"), clone.meta["ddb.adapterType"])
	assert.Equal(t, []byte("1"), clone.meta["ddb.thinProvisioned"])
}

// buildRestoreStream writes a stream with the given disk-info record,
// metadata entries and payload records.
func buildRestoreStream(t *testing.T, di *protocol.DiskInfo, meta map[string][]byte, records []record) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, protocol.WriteDiskInfo(&buf, di))
	for key, value := range meta {
		require.NoError(t, protocol.WriteMetadataEntry(&buf, key, value))
	}
	require.NoError(t, protocol.WriteMetadataEnd(&buf))
	for _, rec := range records {
		require.NoError(t, protocol.WriteCBTHeader(&buf, rec.start, rec.length))
		buf.Write(rec.payload)
	}
	return buf.Bytes()
}

func restoreDiskInfo() *protocol.DiskInfo {
	return &protocol.DiskInfo{
		Version:       protocol.Version,
		DiskLength:    2048 * s,
		StartOffset:   4 * s,
		BiosCylinders: 1024,
		BiosHeads:     255,
		BiosSectors:   63,
		PhysCylinders: 2048,
		PhysHeads:     16,
		PhysSectors:   63,
		PhysCapacity:  2048,
		AdapterType:   uint32(backend.AdapterSCSIBusLogic),
	}
}

func restoreRecords() []record {
	return []record{
		{start: 0, length: 8 * s, payload: bytes.Repeat([]byte{0x11}, 8*s)},
		{start: 600 * s, length: 4 * s, payload: bytes.Repeat([]byte{0x22}, 4*s)},
	}
}

func restoreConfig(d *fakeDriver, in io.Reader) Config {
	return Config{
		In:              in,
		Log:             discardLogger(),
		Driver:          d,
		SectorsPerCall:  100,
		RestoreMetadata: true,
		CheckSize:       true,
	}
}

func TestRestore(t *testing.T) {
	for _, pipelined := range []bool{false, true} {
		name := "single-threaded"
		if pipelined {
			name = "pipelined"
		}
		t.Run(name, func(t *testing.T) {
			d := newFakeDriver()
			target := d.addDisk(diskPath, 2048)

			records := restoreRecords()
			stream := buildRestoreStream(t, restoreDiskInfo(),
				map[string][]byte{"ddb.adapterType": []byte("buslogic")}, records)

			cfg := restoreConfig(d, bytes.NewReader(stream))
			cfg.Pipelined = pipelined

			sess, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, sess.Restore(context.Background(), testWork(diskPath, nil)))
			require.NoError(t, sess.Close())

			assert.False(t, d.lastOpts.ReadOnly)

			// Each payload landed at its header's offset plus the
			// absolute start.
			for _, rec := range records {
				abs := 4*s + rec.start
				assert.Equal(t, rec.payload, target.data[abs:abs+rec.length])
			}
			assert.Equal(t, []byte("buslogic"), target.meta["ddb.adapterType"])

			snap := sess.Stats()
			assert.Equal(t, int64(12*s), snap.PayloadBytes)
			assert.Equal(t, int64(2), snap.PayloadRecords)
		})
	}
}

func TestRestoreCreateDisk(t *testing.T) {
	d := newFakeDriver()

	records := restoreRecords()
	stream := buildRestoreStream(t, restoreDiskInfo(), nil, records)

	cfg := restoreConfig(d, bytes.NewReader(stream))
	cfg.CreateDisk = true
	cfg.CheckSize = false
	cfg.RestoreMetadata = false

	sess, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Restore(context.Background(), testWork(diskPath, nil)))
	require.NoError(t, sess.Close())

	created, ok := d.disks[diskPath]
	require.True(t, ok, "restore must create the target disk")
	assert.Equal(t, uint64(2048), created.info.Capacity)

	for _, rec := range records {
		abs := 4*s + rec.start
		assert.Equal(t, rec.payload, created.data[abs:abs+rec.length])
	}
}

func TestRestoreGeometryMismatch(t *testing.T) {
	d := newFakeDriver()
	target := d.addDisk(diskPath, 2048)
	target.info.PhysGeometry.Cylinders = 500

	di := restoreDiskInfo()
	di.PhysCylinders = 1000
	stream := buildRestoreStream(t, di, nil, restoreRecords())

	sess, err := New(restoreConfig(d, bytes.NewReader(stream)))
	require.NoError(t, err)

	err = sess.Restore(context.Background(), testWork(diskPath, nil))
	var gerr *GeometryMismatchError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "PHYS cylinders", gerr.Dimension)
	require.NoError(t, sess.Close())

	// Not a single sector was written.
	assert.Zero(t, target.writes)
}

func TestRestoreGeometryCheckDisabled(t *testing.T) {
	d := newFakeDriver()
	target := d.addDisk(diskPath, 2048)
	target.info.PhysGeometry.Cylinders = 500

	di := restoreDiskInfo()
	di.PhysCylinders = 1000
	stream := buildRestoreStream(t, di, nil, restoreRecords())

	cfg := restoreConfig(d, bytes.NewReader(stream))
	cfg.CheckSize = false

	sess, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Restore(context.Background(), testWork(diskPath, nil)))
	require.NoError(t, sess.Close())
	assert.NotZero(t, target.writes)
}

func TestRestoreSkipsZeroBiosDimensions(t *testing.T) {
	d := newFakeDriver()
	target := d.addDisk(diskPath, 2048)
	target.info.BiosGeometry = backend.Geometry{}

	stream := buildRestoreStream(t, restoreDiskInfo(), nil, restoreRecords())

	sess, err := New(restoreConfig(d, bytes.NewReader(stream)))
	require.NoError(t, err)
	require.NoError(t, sess.Restore(context.Background(), testWork(diskPath, nil)))
	require.NoError(t, sess.Close())
}

func TestRestoreRejectsBadMagicBeforeOpeningTarget(t *testing.T) {
	d := newFakeDriver()
	d.addDisk(diskPath, 2048)

	garbage := append([]byte("XXXX"), make([]byte, protocol.DiskInfoSize)...)

	sess, err := New(restoreConfig(d, bytes.NewReader(garbage)))
	require.NoError(t, err)

	err = sess.Restore(context.Background(), testWork(diskPath, nil))
	var ferr *protocol.FramingError
	require.ErrorAs(t, err, &ferr)
	require.NoError(t, sess.Close())

	// The write handle was never opened.
	require.Len(t, d.conns, 1)
	assert.Zero(t, d.conns[0].opens)
}

func TestShowValidatesWithoutBackend(t *testing.T) {
	stream := buildRestoreStream(t, restoreDiskInfo(),
		map[string][]byte{"ddb.adapterType": []byte("buslogic")}, restoreRecords())

	// No driver at all: show must never touch a backend.
	sess, err := New(Config{
		In:             bytes.NewReader(stream),
		Log:            discardLogger(),
		SectorsPerCall: 100,
	})
	require.NoError(t, err)
	require.NoError(t, sess.Show(context.Background()))
	require.NoError(t, sess.Close())

	snap := sess.Stats()
	assert.Equal(t, int64(2), snap.PayloadRecords)
	assert.Equal(t, int64(12*s), snap.PayloadBytes)
	assert.Equal(t, int64(1), snap.MetadataKeys)
}

func TestShowRejectsTruncatedPayload(t *testing.T) {
	stream := buildRestoreStream(t, restoreDiskInfo(), nil, restoreRecords())
	truncated := stream[:len(stream)-2*s]

	sess, err := New(Config{
		In:             bytes.NewReader(truncated),
		Log:            discardLogger(),
		SectorsPerCall: 100,
	})
	require.NoError(t, err)

	err = sess.Show(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.NoError(t, sess.Close())
}

func TestTeardownIsIdempotent(t *testing.T) {
	d := newFakeDriver()
	_, work := setupSourceDisk(d)

	var out bytes.Buffer
	sess, err := New(dumpConfig(d, &out))
	require.NoError(t, err)
	require.NoError(t, sess.Dump(context.Background(), work))

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	require.Len(t, d.conns, 1)
	assert.Equal(t, 1, d.conns[0].disconnects)
	assert.Equal(t, 1, d.ended)
}

func TestDumpWithBandwidthLimit(t *testing.T) {
	d := newFakeDriver()
	_, work := setupSourceDisk(d)

	var out bytes.Buffer
	cfg := dumpConfig(d, &out)
	cfg.BandwidthLimit = 64 << 20 // generous; just exercises the wrapper

	sess, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Dump(context.Background(), work))
	require.NoError(t, sess.Close())

	ps := parseStream(t, out.Bytes())
	require.Len(t, ps.records, len(wantRecords))
}

func TestDumpCancelledContext(t *testing.T) {
	d := newFakeDriver()
	_, work := setupSourceDisk(d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	sess, err := New(dumpConfig(d, &out))
	require.NoError(t, err)

	err = sess.Dump(ctx, work)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, sess.Close())
}

func TestNewRejectsZeroSectorsPerCall(t *testing.T) {
	_, err := New(Config{Log: discardLogger()})
	assert.Error(t, err)
}
