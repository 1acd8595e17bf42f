// Package workfile loads the JSON work descriptor the backup
// orchestrator hands the engine: connection parameters, the disk to
// operate on, and the snapshot's changed-area list.
package workfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vadpdump/vadpdump/internal/backend"
)

// Work is the parsed descriptor.
type Work struct {
	Conn       *ConnParams `json:"ConnParams"`
	Disk       *DiskParams `json:"DiskParams"`
	ChangeInfo *ChangeInfo `json:"DiskChangeInfo"`
}

// ConnParams identifies the vSphere endpoint, VM and snapshot.
type ConnParams struct {
	VMMoRef       string `json:"VmMoRef"`
	Host          string `json:"VsphereHostName"`
	Thumbprint    string `json:"VsphereThumbPrint"`
	Username      string `json:"VsphereUsername"`
	Password      string `json:"VspherePassword"`
	SnapshotMoRef string `json:"VsphereSnapshotMoRef"`
}

// Params converts to the backend's connection parameters.
func (c *ConnParams) Params() backend.ConnectParams {
	return backend.ConnectParams{
		VMMoRef:    c.VMMoRef,
		Host:       c.Host,
		Thumbprint: c.Thumbprint,
		Username:   c.Username,
		Password:   c.Password,
	}
}

// DiskParams names the disk inside the backend.
type DiskParams struct {
	Path string `json:"diskPath"`
}

// ChangeInfo is the snapshot's change-tracking envelope. Offsets and
// lengths are bytes; ChangedArea is sorted and disjoint.
type ChangeInfo struct {
	Length      uint64 `json:"length"`
	StartOffset uint64 `json:"startOffset"`
	ChangedArea []Area `json:"changedArea"`
}

// Area is one changed byte range.
type Area struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

// Load parses the work file at path.
func Load(path string) (*Work, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work file %s: %w", path, err)
	}

	var w Work
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse work file %s: %w", path, err)
	}
	return &w, nil
}

func (w *Work) requireConn(local bool) error {
	if w.Conn == nil {
		return fmt.Errorf("work file: missing ConnParams")
	}
	if local {
		return nil
	}
	required := []struct{ key, value string }{
		{"VmMoRef", w.Conn.VMMoRef},
		{"VsphereHostName", w.Conn.Host},
		{"VsphereUsername", w.Conn.Username},
		{"VspherePassword", w.Conn.Password},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("work file: missing %s in ConnParams", r.key)
		}
	}
	return nil
}

func (w *Work) requireDisk() error {
	if w.Disk == nil {
		return fmt.Errorf("work file: missing DiskParams")
	}
	if w.Disk.Path == "" {
		return fmt.Errorf("work file: missing diskPath in DiskParams")
	}
	return nil
}

// ValidateDump checks the keys a dump needs: the ConnParams object (its
// VM ref, host, credentials and snapshot ref only when remote), the disk
// path, and the change-tracking envelope.
func (w *Work) ValidateDump(local bool) error {
	if err := w.requireConn(local); err != nil {
		return err
	}
	if !local && w.Conn.SnapshotMoRef == "" {
		return fmt.Errorf("work file: missing VsphereSnapshotMoRef in ConnParams")
	}
	if err := w.requireDisk(); err != nil {
		return err
	}
	if w.ChangeInfo == nil {
		return fmt.Errorf("work file: missing DiskChangeInfo")
	}
	for i, area := range w.ChangeInfo.ChangedArea {
		if i > 0 {
			prev := w.ChangeInfo.ChangedArea[i-1]
			if area.Start < prev.Start+prev.Length {
				return fmt.Errorf("work file: changedArea[%d] overlaps or is out of order", i)
			}
		}
	}
	return nil
}

// ValidateRestore checks the keys a restore needs. The snapshot ref and
// change info are not used on restore.
func (w *Work) ValidateRestore(local bool) error {
	if err := w.requireConn(local); err != nil {
		return err
	}
	return w.requireDisk()
}
