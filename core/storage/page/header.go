package page

import "github.com/google/uuid"

// DBMagic identifies a coredb database file.
const DBMagic uint32 = 0x636f7265 // "core"

// FileHeaderSize is the fixed size, in bytes, of the header occupying
// page 0 of every database file.
const FileHeaderSize = Size

// DBFileHeader is the on-disk layout of page 0: the magic number, the
// format version, the page size the file was created with, the B+Tree
// root page id, and an InstanceID used to correlate a running process
// with the file it opened across log lines and traces (never used for
// page ordering or identity — PageID alone remains authoritative there).
type DBFileHeader struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	RootPageID ID
	InstanceID uuid.UUID
}

// NewDBFileHeader builds the header written when a database file is
// created for the first time.
func NewDBFileHeader() DBFileHeader {
	return DBFileHeader{
		Magic:      DBMagic,
		Version:    1,
		PageSize:   Size,
		RootPageID: InvalidID,
		InstanceID: uuid.New(),
	}
}
