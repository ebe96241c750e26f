package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/grpcutil"
	forge_sync "github.com/forgebuild/forge/pkg/sync"
	"github.com/google/uuid"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type reapiProvider struct {
	byteStream         bytestream.ByteStreamClient
	cas                remoteexecution.ContentAddressableStorageClient
	actionCache        remoteexecution.ActionCacheClient
	instanceName       string
	chunkSizeBytes     int
	batchMaxSizeBytes  int64
	callTimeout        time.Duration
	retryPolicy        grpcutil.RetryPolicy
	concurrencyPermits *forge_sync.AsyncSemaphore
}

// NewREAPIProvider creates a Provider that speaks the REAPI
// ContentAddressableStorage and ByteStream protocols. Blobs up to
// batchMaxSizeBytes travel through the batch RPCs; larger blobs are
// chunked over ByteStream. Every RPC runs under a per-call timeout,
// the shared retry policy, and a concurrency bound.
func NewREAPIProvider(conn grpc.ClientConnInterface, instanceName string, chunkSizeBytes int, batchMaxSizeBytes int64, callTimeout time.Duration, retryPolicy grpcutil.RetryPolicy, concurrency int) Provider {
	return NewREAPIProviderFromClients(
		bytestream.NewByteStreamClient(conn),
		remoteexecution.NewContentAddressableStorageClient(conn),
		remoteexecution.NewActionCacheClient(conn),
		instanceName, chunkSizeBytes, batchMaxSizeBytes, callTimeout, retryPolicy, concurrency)
}

// NewREAPIProviderFromClients is like NewREAPIProvider, but takes the
// individual service clients.
func NewREAPIProviderFromClients(byteStream bytestream.ByteStreamClient, cas remoteexecution.ContentAddressableStorageClient, actionCache remoteexecution.ActionCacheClient, instanceName string, chunkSizeBytes int, batchMaxSizeBytes int64, callTimeout time.Duration, retryPolicy grpcutil.RetryPolicy, concurrency int) Provider {
	return &reapiProvider{
		byteStream:         byteStream,
		cas:                cas,
		actionCache:        actionCache,
		instanceName:       instanceName,
		chunkSizeBytes:     chunkSizeBytes,
		batchMaxSizeBytes:  batchMaxSizeBytes,
		callTimeout:        callTimeout,
		retryPolicy:        retryPolicy,
		concurrencyPermits: forge_sync.NewAsyncSemaphore(concurrency),
	}
}

func (p *reapiProvider) call(ctx context.Context, op func(ctx context.Context) error) error {
	permit, err := p.concurrencyPermits.Acquire(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()
	return p.retryPolicy.Call(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		return op(callCtx)
	})
}

func (p *reapiProvider) uploadResourceName(d digest.Digest) string {
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", uuid.New(), d.Hex(), d.SizeBytes())
	if p.instanceName != "" {
		return p.instanceName + "/" + name
	}
	return name
}

func (p *reapiProvider) readResourceName(d digest.Digest) string {
	name := fmt.Sprintf("blobs/%s/%d", d.Hex(), d.SizeBytes())
	if p.instanceName != "" {
		return p.instanceName + "/" + name
	}
	return name
}

func (p *reapiProvider) StoreBytes(ctx context.Context, d digest.Digest, src ByteSource) error {
	if d.IsEmpty() {
		return nil
	}
	if d.SizeBytes() <= p.batchMaxSizeBytes {
		data, err := src.ReadRange(0, d.SizeBytes())
		if err != nil {
			return status.Errorf(codes.Internal, "Failed to read blob %s for upload: %s", d, err)
		}
		return p.call(ctx, func(ctx context.Context) error {
			response, err := p.cas.BatchUpdateBlobs(ctx, &remoteexecution.BatchUpdateBlobsRequest{
				InstanceName: p.instanceName,
				Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{{
					Digest: d.ToProto(),
					Data:   data,
				}},
			})
			if err != nil {
				return err
			}
			for _, r := range response.Responses {
				if r.Status.GetCode() != 0 {
					return status.Errorf(codes.Code(r.Status.GetCode()), "Failed to upload blob %s: %s", d, r.Status.GetMessage())
				}
			}
			return nil
		})
	}

	// The whole stream restarts on retry; the ByteSource allows
	// re-reading any range.
	return p.call(ctx, func(ctx context.Context) error {
		stream, err := p.byteStream.Write(ctx)
		if err != nil {
			return err
		}
		resourceName := p.uploadResourceName(d)
		for offset := int64(0); ; {
			chunk, err := src.ReadRange(offset, int64(p.chunkSizeBytes))
			if err != nil {
				stream.CloseAndRecv()
				return status.Errorf(codes.Internal, "Failed to read blob %s at offset %d: %s", d, offset, err)
			}
			finish := offset+int64(len(chunk)) >= d.SizeBytes()
			request := &bytestream.WriteRequest{
				WriteOffset: offset,
				Data:        chunk,
				FinishWrite: finish,
			}
			if offset == 0 {
				request.ResourceName = resourceName
			}
			if err := stream.Send(request); err != nil {
				stream.CloseAndRecv()
				return err
			}
			offset += int64(len(chunk))
			if finish {
				break
			}
		}
		response, err := stream.CloseAndRecv()
		if err != nil {
			return err
		}
		if response.CommittedSize != d.SizeBytes() {
			return status.Errorf(codes.Internal, "Server committed %d bytes of blob %s, while %d were written", response.CommittedSize, d, d.SizeBytes())
		}
		return nil
	})
}

func (p *reapiProvider) load(ctx context.Context, d digest.Digest, w io.Writer, validate bool) (bool, error) {
	if d.IsEmpty() {
		return true, nil
	}
	// Interrupted reads resume at the offset already delivered to w,
	// so a retried attempt never duplicates bytes the caller already
	// holds and the digest accumulates over exactly the bytes written.
	// The mirror of the upload path, where every attempt re-reads its
	// ranges from the ByteSource.
	var hw *digest.HashingWriter
	sink := w
	if validate {
		hw = digest.NewHashingWriter(w)
		sink = hw
	}
	var delivered int64
	found := false
	err := p.call(ctx, func(ctx context.Context) error {
		stream, err := p.byteStream.Read(ctx, &bytestream.ReadRequest{
			ResourceName: p.readResourceName(d),
			ReadOffset:   delivered,
		})
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		for {
			response, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if status.Code(err) == codes.NotFound {
				return nil
			}
			if err != nil {
				return err
			}
			n, err := sink.Write(response.Data)
			delivered += int64(n)
			if err != nil {
				return status.Errorf(codes.Internal, "Failed to write blob %s: %s", d, err)
			}
		}
		if validate {
			if actual := hw.Sum(); actual != d {
				return status.Errorf(codes.Internal, "Blob %s was downloaded with digest %s; the remote copy is corrupted", d, actual)
			}
		}
		found = true
		return nil
	})
	if err != nil {
		return false, util.StatusWrapf(err, "Failed to download blob %s", d)
	}
	return found, nil
}

func (p *reapiProvider) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return p.load(ctx, d, w, true)
}

func (p *reapiProvider) LoadWithoutValidation(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	return p.load(ctx, d, w, false)
}

func (p *reapiProvider) FindMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, bool, error) {
	request := &remoteexecution.FindMissingBlobsRequest{
		InstanceName: p.instanceName,
	}
	for _, d := range digests {
		if !d.IsEmpty() {
			request.BlobDigests = append(request.BlobDigests, d.ToProto())
		}
	}
	if len(request.BlobDigests) == 0 {
		return nil, true, nil
	}
	var missing []digest.Digest
	err := p.call(ctx, func(ctx context.Context) error {
		missing = missing[:0]
		response, err := p.cas.FindMissingBlobs(ctx, request)
		if err != nil {
			return err
		}
		for _, m := range response.MissingBlobDigests {
			d, err := digest.FromProto(m)
			if err != nil {
				return err
			}
			missing = append(missing, d)
		}
		return nil
	})
	if err != nil {
		return nil, false, util.StatusWrap(err, "Failed to find missing blobs")
	}
	return missing, true, nil
}

func (p *reapiProvider) ChunkSizeBytes() int {
	return p.chunkSizeBytes
}

// GetActionResult queries the remote action cache. Not part of the
// Provider interface, as only REAPI backends have an action cache.
func (p *reapiProvider) GetActionResult(ctx context.Context, actionDigest digest.Digest) (*remoteexecution.ActionResult, bool, error) {
	var result *remoteexecution.ActionResult
	err := p.call(ctx, func(ctx context.Context) error {
		r, err := p.actionCache.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
			InstanceName: p.instanceName,
			ActionDigest: actionDigest.ToProto(),
		})
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, false, util.StatusWrapf(err, "Failed to query action cache for %s", actionDigest)
	}
	return result, result != nil, nil
}
