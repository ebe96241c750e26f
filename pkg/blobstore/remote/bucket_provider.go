package remote

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"github.com/forgebuild/forge/pkg/digest"
	"golang.org/x/sync/errgroup"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type bucketProvider struct {
	bucket         *storage.BucketHandle
	scope          string
	chunkSizeBytes int
	concurrency    int
}

// NewBucketProvider creates a Provider over a cloud object-store
// bucket. Keys are laid out as {scope}/{ab}/{cd}/{fullhash}, with the
// first two hex pairs as directory levels so listings at any level
// stay small. The empty digest is never stored: reads of it
// synthesize empty bytes and writes are no-ops.
func NewBucketProvider(bucket *storage.BucketHandle, scope string, chunkSizeBytes, concurrency int) Provider {
	return &bucketProvider{
		bucket:         bucket,
		scope:          scope,
		chunkSizeBytes: chunkSizeBytes,
		concurrency:    concurrency,
	}
}

func (p *bucketProvider) objectKey(d digest.Digest) string {
	hash := d.Hex()
	return p.scope + "/" + hash[0:2] + "/" + hash[2:4] + "/" + hash
}

func (p *bucketProvider) StoreBytes(ctx context.Context, d digest.Digest, src ByteSource) error {
	if d.IsEmpty() {
		return nil
	}
	w := p.bucket.Object(p.objectKey(d)).NewWriter(ctx)
	w.ChunkSize = p.chunkSizeBytes
	if _, err := io.Copy(w, io.NewSectionReader(src.ReaderAt, 0, src.SizeBytes)); err != nil {
		w.Close()
		return status.Errorf(codes.Unavailable, "Failed to upload blob %s: %s", d, err)
	}
	if err := w.Close(); err != nil {
		return status.Errorf(codes.Unavailable, "Failed to finalize upload of blob %s: %s", d, err)
	}
	return nil
}

func (p *bucketProvider) load(ctx context.Context, d digest.Digest, w io.Writer, validate bool) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	r, err := p.bucket.Object(p.objectKey(d)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, status.Errorf(codes.Unavailable, "Failed to open blob %s: %s", d, err)
	}
	defer r.Close()

	sink := w
	var hw *digest.HashingWriter
	if validate {
		hw = digest.NewHashingWriter(w)
		sink = hw
	}
	if _, err := io.Copy(sink, r); err != nil {
		return false, status.Errorf(codes.Unavailable, "Failed to download blob %s: %s", d, err)
	}
	if validate {
		if actual := hw.Sum(); actual != d {
			return false, status.Errorf(codes.Internal, "Blob %s was downloaded with digest %s; the remote copy is corrupted", d, actual)
		}
	}
	return true, nil
}

func (p *bucketProvider) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return p.load(ctx, d, w, true)
}

func (p *bucketProvider) LoadWithoutValidation(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return p.load(ctx, d, w, false)
}

func (p *bucketProvider) FindMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, bool, error) {
	missing := make([]bool, len(digests))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for i, d := range digests {
		if d.IsEmpty() {
			continue
		}
		i, d := i, d
		group.Go(func() error {
			_, err := p.bucket.Object(p.objectKey(d)).Attrs(groupCtx)
			if errors.Is(err, storage.ErrObjectNotExist) {
				missing[i] = true
				return nil
			}
			if err != nil {
				return status.Errorf(codes.Unavailable, "Failed to stat blob %s: %s", d, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}
	var result []digest.Digest
	for i, m := range missing {
		if m {
			result = append(result, digests[i])
		}
	}
	return result, true, nil
}

func (p *bucketProvider) ChunkSizeBytes() int {
	return p.chunkSizeBytes
}
