package backend

import (
	"fmt"
	"strings"
)

// AdapterType mirrors the disk library's adapter enumeration.
type AdapterType uint32

const (
	AdapterIDE          AdapterType = 1
	AdapterSCSIBusLogic AdapterType = 2
	AdapterSCSILsiLogic AdapterType = 3
)

// DiskType selects the on-disk layout when creating a clone.
type DiskType uint32

const (
	DiskUnknown DiskType = iota
	DiskMonolithicSparse
	DiskMonolithicFlat
	DiskSplitSparse
	DiskSplitFlat
	DiskVMFSFlat
	DiskStreamOptimized
	DiskVMFSThin
	DiskVMFSSparse
)

var diskTypeNames = map[string]DiskType{
	"monolithic_sparse": DiskMonolithicSparse,
	"monolithic_flat":   DiskMonolithicFlat,
	"split_sparse":      DiskSplitSparse,
	"split_flat":        DiskSplitFlat,
	"vmfs_flat":         DiskVMFSFlat,
	"optimized":         DiskStreamOptimized,
	"vmfs_thin":         DiskVMFSThin,
	"vmfs_sparse":       DiskVMFSSparse,
}

// ParseDiskType resolves a disk-type token from the command line. Unknown
// tokens are a fatal configuration error.
func ParseDiskType(token string) (DiskType, error) {
	if dt, ok := diskTypeNames[strings.ToLower(token)]; ok {
		return dt, nil
	}
	return DiskUnknown, fmt.Errorf("unknown disktype %q", token)
}

func (dt DiskType) String() string {
	for name, t := range diskTypeNames {
		if t == dt {
			return name
		}
	}
	return "unknown"
}

// Sparse reports whether the layout allocates lazily; sparse clones are
// not preallocated on create.
func (dt DiskType) Sparse() bool {
	switch dt {
	case DiskMonolithicSparse, DiskSplitSparse, DiskStreamOptimized, DiskVMFSThin, DiskVMFSSparse:
		return true
	default:
		return false
	}
}
