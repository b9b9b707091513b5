package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethoseg/segmentation-service/internal/domain/port"
)

type ZipArchiver struct{}

func NewZipArchiver() *ZipArchiver {
	return &ZipArchiver{}
}

// WriteArchive streams files into a zip on w. Entries arrive as in-memory
// blobs because masks live in object storage, not on local disk.
func (z *ZipArchiver) WriteArchive(ctx context.Context, w io.Writer, files []port.ArchiveFile) error {
	zw := zip.NewWriter(w)
	now := time.Now()

	for _, f := range files {
		select {
		case <-ctx.Done():
			zw.Close()
			return ctx.Err()
		default:
		}

		header := &zip.FileHeader{
			Name:     f.Name,
			Method:   zip.Deflate,
			Modified: now,
		}
		entry, err := zw.CreateHeader(header)
		if err != nil {
			zw.Close()
			return fmt.Errorf("add %s to zip: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Data); err != nil {
			zw.Close()
			return fmt.Errorf("write %s to zip: %w", f.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zip: %w", err)
	}
	return nil
}
