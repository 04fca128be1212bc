package resync

import (
	"io/fs"
	"time"

	"github.com/dreamware/buddymirror/internal/chunkstore"
	"github.com/dreamware/buddymirror/internal/cluster"
)

// Message types served by storage daemons.
const (
	MsgList        = "list"
	MsgFile        = "file"
	MsgDir         = "dir"
	MsgRemove      = "remove"
	MsgCheckEmpty  = "check-empty"
	MsgResyncStart = "resync-start"
	MsgResyncStats = "resync-stats"
	MsgResyncAbort = "resync-abort"
)

// ListRequest asks for a directory of the addressed target.
type ListRequest struct {
	Path string `json:"path"`
}

// ListReply describes the directory itself and its entries.
type ListReply struct {
	Dir     chunkstore.Entry   `json:"dir"`
	Entries []chunkstore.Entry `json:"entries"`
}

// FileBlock carries one block of a file. The first block of a file has
// Truncate set; the last has Last set and carries the attributes to apply.
type FileBlock struct {
	Path     string      `json:"path"`
	Offset   int64       `json:"offset"`
	Data     []byte      `json:"data,omitempty"`
	Truncate bool        `json:"truncate,omitempty"`
	Last     bool        `json:"last,omitempty"`
	Mode     fs.FileMode `json:"mode,omitempty"`
	ModTime  time.Time   `json:"modTime,omitempty"`
}

// DirRequest creates a directory and applies its permission bits.
type DirRequest struct {
	Path string      `json:"path"`
	Mode fs.FileMode `json:"mode"`
}

// RemoveRequest deletes an entry and everything below it.
type RemoveRequest struct {
	Path string `json:"path"`
}

// StartRequest starts a resync from a target hosted by the receiving node.
type StartRequest struct {
	Source      cluster.TargetID `json:"source"`
	Destination cluster.TargetID `json:"destination"`
	// Since enables the modification-time shortcut when set.
	Since time.Time `json:"since,omitempty"`
}

// JobRequest names a job by its target pair.
type JobRequest struct {
	Source      cluster.TargetID `json:"source"`
	Destination cluster.TargetID `json:"destination"`
}
