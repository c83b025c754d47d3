package transfermanager

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/lumenstore/lumen-go/storage"
)

// Downloader shards object downloads into concurrent range reads.
type Downloader struct {
	s settings
}

// NewDownloader returns a Downloader with the given options applied over
// the defaults.
func NewDownloader(opts ...Option) *Downloader {
	d := &Downloader{s: defaultSettings()}
	for _, opt := range opts {
		opt(&d.s)
	}
	return d
}

// DownloadObject reads the object into w, fetching PartSize ranges on up to
// Workers concurrent readers. The download is pinned to the generation that
// is live when it starts, so a concurrent overwrite cannot mix generations.
// It returns the number of bytes written.
func (d *Downloader) DownloadObject(ctx context.Context, w io.WriterAt, obj *storage.ObjectHandle) (int64, error) {
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("transfermanager: fetching object attrs: %w", err)
	}
	pinned := obj.Generation(attrs.Generation)
	size := attrs.Size
	if size == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.s.workers)
	for offset := int64(0); offset < size; offset += d.s.partSize {
		offset := offset
		length := min(d.s.partSize, size-offset)
		g.Go(func() error {
			return d.downloadPart(gctx, w, pinned, offset, length)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return size, nil
}

func (d *Downloader) downloadPart(ctx context.Context, w io.WriterAt, obj *storage.ObjectHandle, offset, length int64) error {
	if d.s.perOpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.s.perOpTimeout)
		defer cancel()
	}

	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return fmt.Errorf("transfermanager: opening range at %d: %w", offset, err)
	}
	defer r.Close()

	if _, err := io.Copy(io.NewOffsetWriter(w, offset), r); err != nil {
		return fmt.Errorf("transfermanager: reading range at %d: %w", offset, err)
	}
	return nil
}
