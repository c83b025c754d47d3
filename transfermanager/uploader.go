package transfermanager

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/lumenstore/lumen-go/internal/uid"
	"github.com/lumenstore/lumen-go/storage"
)

// composeLimit is the maximum number of sources one compose accepts.
const composeLimit = 32

// Uploader writes large objects as parallel composite uploads: the source is
// split into parts, each part uploads concurrently as a temporary object,
// the parts compose into the destination, and the temporaries are deleted.
type Uploader struct {
	s settings
}

// NewUploader returns an Uploader with the given options applied over the
// defaults.
func NewUploader(opts ...Option) *Uploader {
	u := &Uploader{s: defaultSettings()}
	for _, opt := range opts {
		opt(&u.s)
	}
	return u
}

// UploadObject writes size bytes of r to bucket/object. Sources no larger
// than one part upload directly; larger sources upload as a parallel
// composite. Temporary part objects are deleted on both success and failure.
func (u *Uploader) UploadObject(ctx context.Context, bucket *storage.BucketHandle, object string, r io.ReaderAt, size int64) (*storage.ObjectAttrs, error) {
	partSize := u.s.partSize
	if size <= partSize {
		return u.uploadPart(ctx, bucket.Object(object), io.NewSectionReader(r, 0, size))
	}
	// Compose takes at most 32 sources; grow the part size when the object
	// would otherwise split into more.
	if size > partSize*composeLimit {
		partSize = (size + composeLimit - 1) / composeLimit
	}

	var parts []*storage.ObjectHandle
	prefix := fmt.Sprintf("%s.part-%s-", object, uid.New())
	for offset := int64(0); offset < size; offset += partSize {
		parts = append(parts, bucket.Object(fmt.Sprintf("%s%04d", prefix, len(parts))))
	}
	defer u.deleteParts(ctx, parts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.s.workers)
	for i, part := range parts {
		i, part := i, part
		g.Go(func() error {
			offset := int64(i) * partSize
			length := min(partSize, size-offset)
			_, err := u.uploadPart(gctx, part, io.NewSectionReader(r, offset, length))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	attrs, err := bucket.Object(object).ComposerFrom(parts...).Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("transfermanager: composing parts: %w", err)
	}
	return attrs, nil
}

func (u *Uploader) uploadPart(ctx context.Context, obj *storage.ObjectHandle, r io.Reader) (*storage.ObjectAttrs, error) {
	if u.s.perOpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.s.perOpTimeout)
		defer cancel()
	}

	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	if _, err := io.Copy(w, r); err != nil {
		w.Close() //nolint:errcheck
		return nil, fmt.Errorf("transfermanager: uploading %s: %w", obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("transfermanager: finalizing %s: %w", obj.ObjectName(), err)
	}
	return w.Attrs(), nil
}

// deleteParts removes temporary part objects, ignoring failures; leftover
// parts are harmless and a rerun with a fresh prefix cannot collide.
func (u *Uploader) deleteParts(ctx context.Context, parts []*storage.ObjectHandle) {
	for _, part := range parts {
		part.Delete(ctx) //nolint:errcheck
	}
}
