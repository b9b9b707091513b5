package port

import (
	"context"
	"io"
)

type ArchiveFile struct {
	Name string
	Data []byte
}

// Archiver packs files into a single archive stream for export.
type Archiver interface {
	WriteArchive(ctx context.Context, w io.Writer, files []ArchiveFile) error
}
