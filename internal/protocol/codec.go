package protocol

import (
	"encoding/binary"
	"io"
)

// hbo is the host byte order; the stream format follows whatever
// architecture produced it.
var hbo = binary.NativeEndian

// WriteDiskInfo serializes a disk-info record. Header and payload are one
// Write call so the record hits the pipe in a single chunk.
func WriteDiskInfo(w io.Writer, di *DiskInfo) error {
	var buf [DiskInfoSize]byte
	hbo.PutUint32(buf[0:4], Magic)
	hbo.PutUint32(buf[4:8], di.Version)
	hbo.PutUint64(buf[8:16], di.DiskLength)
	hbo.PutUint64(buf[16:24], di.StartOffset)
	hbo.PutUint32(buf[24:28], di.BiosCylinders)
	hbo.PutUint32(buf[28:32], di.BiosHeads)
	hbo.PutUint32(buf[32:36], di.BiosSectors)
	hbo.PutUint32(buf[36:40], di.PhysCylinders)
	hbo.PutUint32(buf[40:44], di.PhysHeads)
	hbo.PutUint32(buf[44:48], di.PhysSectors)
	hbo.PutUint64(buf[48:56], di.PhysCapacity)
	hbo.PutUint32(buf[56:60], di.AdapterType)
	// buf[60:124] reserved
	hbo.PutUint32(buf[124:128], Magic)

	if _, err := w.Write(buf[:]); err != nil {
		return &FramingError{Record: "disk-info", Field: "record", Err: err}
	}
	return nil
}

// ReadDiskInfo reads and validates one disk-info record.
func ReadDiskInfo(r io.Reader) (*DiskInfo, error) {
	var buf [DiskInfoSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, &FramingError{Record: "disk-info", Field: "record", Err: err}
	}

	if m := hbo.Uint32(buf[0:4]); m != Magic {
		return nil, &FramingError{Record: "disk-info", Field: "start magic", Got: m, Want: Magic}
	}
	if m := hbo.Uint32(buf[124:128]); m != Magic {
		return nil, &FramingError{Record: "disk-info", Field: "end magic", Got: m, Want: Magic}
	}

	return &DiskInfo{
		Version:       hbo.Uint32(buf[4:8]),
		DiskLength:    hbo.Uint64(buf[8:16]),
		StartOffset:   hbo.Uint64(buf[16:24]),
		BiosCylinders: hbo.Uint32(buf[24:28]),
		BiosHeads:     hbo.Uint32(buf[28:32]),
		BiosSectors:   hbo.Uint32(buf[32:36]),
		PhysCylinders: hbo.Uint32(buf[36:40]),
		PhysHeads:     hbo.Uint32(buf[40:44]),
		PhysSectors:   hbo.Uint32(buf[44:48]),
		PhysCapacity:  hbo.Uint64(buf[48:56]),
		AdapterType:   hbo.Uint32(buf[56:60]),
	}, nil
}

func writeMetaHeader(w io.Writer, keyLen, dataLen uint32) error {
	var buf [MetaHeaderSize]byte
	hbo.PutUint32(buf[0:4], Magic)
	hbo.PutUint32(buf[4:8], keyLen)
	hbo.PutUint32(buf[8:12], dataLen)
	hbo.PutUint32(buf[12:16], Magic)

	if _, err := w.Write(buf[:]); err != nil {
		return &FramingError{Record: "metadata", Field: "header", Err: err}
	}
	return nil
}

// WriteMetadataEntry serializes one metadata record. The key is written
// NUL-terminated; the value is opaque bytes.
func WriteMetadataEntry(w io.Writer, key string, value []byte) error {
	if err := writeMetaHeader(w, uint32(len(key))+1, uint32(len(value))); err != nil {
		return err
	}

	kbuf := make([]byte, len(key)+1)
	copy(kbuf, key)
	if _, err := w.Write(kbuf); err != nil {
		return &FramingError{Record: "metadata", Field: "key", Err: err}
	}
	if len(value) > 0 {
		if _, err := w.Write(value); err != nil {
			return &FramingError{Record: "metadata", Field: "value", Err: err}
		}
	}
	return nil
}

// WriteMetadataEnd emits the end-of-metadata sentinel: a header with both
// lengths zero.
func WriteMetadataEnd(w io.Writer) error {
	return writeMetaHeader(w, 0, 0)
}

// ReadMetadataEntry reads one metadata record. ok is false iff the end
// sentinel was read; key and value are only meaningful when ok is true.
func ReadMetadataEntry(r io.Reader) (key string, value []byte, ok bool, err error) {
	var buf [MetaHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return "", nil, false, &FramingError{Record: "metadata", Field: "header", Err: err}
	}

	if m := hbo.Uint32(buf[0:4]); m != Magic {
		return "", nil, false, &FramingError{Record: "metadata", Field: "start magic", Got: m, Want: Magic}
	}
	if m := hbo.Uint32(buf[12:16]); m != Magic {
		return "", nil, false, &FramingError{Record: "metadata", Field: "end magic", Got: m, Want: Magic}
	}

	keyLen := hbo.Uint32(buf[4:8])
	dataLen := hbo.Uint32(buf[8:12])
	if keyLen == 0 && dataLen == 0 {
		return "", nil, false, nil
	}
	if keyLen == 0 {
		return "", nil, false, &FramingError{Record: "metadata", Field: "key length", Got: keyLen, Want: 1}
	}

	kbuf := make([]byte, keyLen)
	if _, err := io.ReadFull(r, kbuf); err != nil {
		return "", nil, false, &FramingError{Record: "metadata", Field: "key", Err: err}
	}
	// Strip the NUL terminator.
	if kbuf[keyLen-1] == 0 {
		kbuf = kbuf[:keyLen-1]
	}

	value = make([]byte, dataLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return "", nil, false, &FramingError{Record: "metadata", Field: "value", Err: err}
	}

	return string(kbuf), value, true, nil
}

// WriteCBTHeader serializes a changed-block header. The payload bytes
// follow separately; start and length are in bytes relative to the
// stream's absolute start offset.
func WriteCBTHeader(w io.Writer, start, length uint64) error {
	var buf [CBTHeaderSize]byte
	hbo.PutUint32(buf[0:4], Magic)
	hbo.PutUint64(buf[8:16], start)
	hbo.PutUint64(buf[16:24], length)
	hbo.PutUint32(buf[24:28], Magic)

	if _, err := w.Write(buf[:]); err != nil {
		return &FramingError{Record: "changed-block", Field: "header", Err: err}
	}
	return nil
}

// ReadCBTHeader reads one changed-block header. A clean EOF at the record
// boundary returns io.EOF; a header cut short mid-read is a FramingError.
func ReadCBTHeader(r io.Reader) (start, length uint64, err error) {
	var buf [CBTHeaderSize]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return 0, 0, io.EOF
		}
		return 0, 0, &FramingError{Record: "changed-block", Field: "header", Err: err}
	}

	if m := hbo.Uint32(buf[0:4]); m != Magic {
		return 0, 0, &FramingError{Record: "changed-block", Field: "start magic", Got: m, Want: Magic}
	}
	if m := hbo.Uint32(buf[24:28]); m != Magic {
		return 0, 0, &FramingError{Record: "changed-block", Field: "end magic", Got: m, Want: Magic}
	}

	return hbo.Uint64(buf[8:16]), hbo.Uint64(buf[16:24]), nil
}
