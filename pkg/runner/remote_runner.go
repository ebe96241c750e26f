package runner

import (
	"context"
	"strings"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/blobstore/remote"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/grpcutil"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/forgebuild/forge/pkg/store"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// RemoteRunner submits processes to an REAPI execution service.
type RemoteRunner struct {
	execution    remoteexecution.ExecutionClient
	store        *store.Store
	byteStore    *remote.ByteStore
	instanceName string
	retryPolicy  grpcutil.RetryPolicy
}

// NewRemoteRunner creates a runner that executes processes remotely.
// The byte store must point at the CAS of the same REAPI endpoint.
func NewRemoteRunner(execution remoteexecution.ExecutionClient, s *store.Store, byteStore *remote.ByteStore, instanceName string, retryPolicy grpcutil.RetryPolicy) *RemoteRunner {
	return &RemoteRunner{
		execution:    execution,
		store:        s,
		byteStore:    byteStore,
		instanceName: instanceName,
		retryPolicy:  retryPolicy,
	}
}

// Run implements CommandRunner.
func (r *RemoteRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	command := p.REAPICommand()
	commandDigest, commandData, err := digest.OfProto(command)
	if err != nil {
		return nil, err
	}
	action := p.REAPIAction(commandDigest)
	actionDigest, actionData, err := digest.OfProto(action)
	if err != nil {
		return nil, err
	}

	if err := r.uploadInputs(ctx, p, commandData, actionData); err != nil {
		return nil, util.StatusWrap(err, "Failed to upload inputs")
	}

	response, err := r.execute(ctx, actionDigest)
	if missing := missingBlobDigests(err); len(missing) > 0 {
		// The server raced a GC against our upload. Re-upload the
		// specific blobs it named and try once more.
		if err := r.reuploadMissing(ctx, missing); err != nil {
			return nil, util.StatusWrap(err, "Failed to re-upload missing blobs")
		}
		response, err = r.execute(ctx, actionDigest)
	}
	if err != nil {
		return nil, err
	}

	return r.resultFromExecuteResponse(ctx, p, response, startTime)
}

func (r *RemoteRunner) uploadInputs(ctx context.Context, p *process.Process, commandData, actionData []byte) error {
	if _, err := r.byteStore.StoreBytes(ctx, commandData); err != nil {
		return err
	}
	if _, err := r.byteStore.StoreBytes(ctx, actionData); err != nil {
		return err
	}
	return r.store.EnsureRemoteHasRecursive(ctx, p.InputDigest)
}

type operationStream interface {
	Recv() (*longrunningpb.Operation, error)
}

func (r *RemoteRunner) execute(ctx context.Context, actionDigest digest.Digest) (*remoteexecution.ExecuteResponse, error) {
	// The operation name survives across retries, so a dropped stream
	// resumes through WaitExecution instead of re-executing.
	operationName := ""
	var response *remoteexecution.ExecuteResponse
	err := r.retryPolicy.Call(ctx, func(ctx context.Context) error {
		var stream operationStream
		var err error
		if operationName == "" {
			stream, err = r.execution.Execute(ctx, &remoteexecution.ExecuteRequest{
				InstanceName: r.instanceName,
				ActionDigest: actionDigest.ToProto(),
			})
		} else {
			stream, err = r.execution.WaitExecution(ctx, &remoteexecution.WaitExecutionRequest{
				Name: operationName,
			})
		}
		if err != nil {
			return err
		}
		for {
			operation, err := stream.Recv()
			if err != nil {
				return err
			}
			if operation.Name != "" {
				operationName = operation.Name
			}
			if !operation.Done {
				continue
			}
			if operationError := operation.GetError(); operationError != nil {
				return status.ErrorProto(operationError)
			}
			var executeResponse remoteexecution.ExecuteResponse
			if err := operation.GetResponse().UnmarshalTo(&executeResponse); err != nil {
				return status.Errorf(codes.Internal, "Failed to unmarshal execute response: %s", err)
			}
			if s := executeResponse.Status; s != nil && s.Code != 0 {
				return status.ErrorProto(s)
			}
			response = &executeResponse
			return nil
		}
	})
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to execute action %s", actionDigest)
	}
	return response, nil
}

// missingBlobDigests extracts the digests of blobs a FailedPrecondition
// error reports as missing from the CAS.
func missingBlobDigests(err error) []digest.Digest {
	if status.Code(err) != codes.FailedPrecondition {
		return nil
	}
	var missing []digest.Digest
	for _, detail := range status.Convert(err).Details() {
		failure, ok := detail.(*errdetails.PreconditionFailure)
		if !ok {
			continue
		}
		for _, violation := range failure.Violations {
			if violation.Type != "MISSING" {
				continue
			}
			// Subjects take the shape "blobs/{hash}/{size}".
			parts := strings.Split(violation.Subject, "/")
			if len(parts) != 3 || parts[0] != "blobs" {
				continue
			}
			var sizeBytes int64
			for _, c := range parts[2] {
				if c < '0' || c > '9' {
					sizeBytes = -1
					break
				}
				sizeBytes = sizeBytes*10 + int64(c-'0')
			}
			d, err := digest.NewFromHex(parts[1], sizeBytes)
			if err != nil {
				continue
			}
			missing = append(missing, d)
		}
	}
	return missing
}

func (r *RemoteRunner) reuploadMissing(ctx context.Context, missing []digest.Digest) error {
	for _, d := range missing {
		data, found, err := r.store.Local().LoadBytes(ctx, local.PartitionFile, d)
		if err != nil {
			return err
		}
		if !found {
			data, found, err = r.store.Local().LoadBytes(ctx, local.PartitionDirectory, d)
			if err != nil {
				return err
			}
		}
		if !found {
			return status.Errorf(codes.NotFound, "Blob %s reported missing by the server is not in the local store", d)
		}
		if _, err := r.byteStore.StoreBytes(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *RemoteRunner) resultFromExecuteResponse(ctx context.Context, p *process.Process, response *remoteexecution.ExecuteResponse, startTime time.Time) (*process.FallibleResult, error) {
	actionResult := response.Result
	if actionResult == nil {
		return nil, status.Error(codes.Internal, "Execute response contains no action result")
	}

	stdoutDigest, err := r.ensureLogBlob(ctx, actionResult.StdoutRaw, actionResult.StdoutDigest)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to fetch stdout")
	}
	stderrDigest, err := r.ensureLogBlob(ctx, actionResult.StderrRaw, actionResult.StderrDigest)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to fetch stderr")
	}

	outputDigest, err := r.outputTrie(ctx, actionResult)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to reconstruct outputs")
	}
	if err := r.store.RecordTrie(ctx, outputDigest.Trie); err != nil {
		return nil, err
	}
	if err := r.store.EnsureLocalHasRecursiveDirectory(ctx, outputDigest); err != nil {
		return nil, util.StatusWrap(err, "Failed to fetch output blobs")
	}

	source := process.SourceRanRemotely
	if response.CachedResult {
		source = process.SourceHitRemotely
	}
	return &process.FallibleResult{
		StdoutDigest:    stdoutDigest,
		StderrDigest:    stderrDigest,
		ExitCode:        actionResult.ExitCode,
		OutputDirectory: outputDigest,
		Metadata: process.ResultMetadata{
			Source:      source,
			Environment: p.Execution.Name,
			Elapsed:     time.Since(startTime),
		},
	}, nil
}

// ensureLogBlob resolves a log blob that the server returned either
// inline or by digest, making it locally loadable either way.
func (r *RemoteRunner) ensureLogBlob(ctx context.Context, raw []byte, m *remoteexecution.Digest) (digest.Digest, error) {
	if len(raw) > 0 {
		return r.store.StoreFileBytes(ctx, raw)
	}
	d, err := digest.FromProto(m)
	if err != nil {
		return digest.Digest{}, err
	}
	if err := r.store.EnsureLocalHasFile(ctx, d); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

func (r *RemoteRunner) outputTrie(ctx context.Context, actionResult *remoteexecution.ActionResult) (digesttrie.DirectoryDigest, error) {
	var stats []digesttrie.PathStat
	for _, file := range actionResult.OutputFiles {
		d, err := digest.FromProto(file.Digest)
		if err != nil {
			return digesttrie.DirectoryDigest{}, util.StatusWrapf(err, "Invalid digest for output file %#v", file.Path)
		}
		stats = append(stats, digesttrie.PathStat{
			Path:         file.Path,
			Kind:         digesttrie.PathStatFile,
			Digest:       d,
			IsExecutable: file.IsExecutable,
		})
	}
	for _, symlink := range actionResult.OutputSymlinks {
		stats = append(stats, digesttrie.PathStat{
			Path:   symlink.Path,
			Kind:   digesttrie.PathStatSymlink,
			Target: symlink.Target,
		})
	}
	tries := make([]*digesttrie.Trie, 0, len(actionResult.OutputDirectories)+1)
	fileTrie, err := digesttrie.FromPathStats(stats)
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	tries = append(tries, fileTrie)

	for _, outputDirectory := range actionResult.OutputDirectories {
		treeDigest, err := digest.FromProto(outputDirectory.TreeDigest)
		if err != nil {
			return digesttrie.DirectoryDigest{}, util.StatusWrapf(err, "Invalid tree digest for output directory %#v", outputDirectory.Path)
		}
		treeData, found, err := r.byteStore.LoadBytes(ctx, treeDigest)
		if err != nil {
			return digesttrie.DirectoryDigest{}, err
		}
		if !found {
			return digesttrie.DirectoryDigest{}, status.Errorf(codes.NotFound, "Tree %s of output directory %#v is not in the CAS", treeDigest, outputDirectory.Path)
		}
		var tree remoteexecution.Tree
		if err := proto.Unmarshal(treeData, &tree); err != nil {
			return digesttrie.DirectoryDigest{}, status.Errorf(codes.Internal, "Failed to unmarshal tree %s: %s", treeDigest, err)
		}
		trie, err := trieFromTree(ctx, &tree)
		if err != nil {
			return digesttrie.DirectoryDigest{}, util.StatusWrapf(err, "Failed to decode output directory %#v", outputDirectory.Path)
		}
		nested, err := nestTrie(outputDirectory.Path, trie)
		if err != nil {
			return digesttrie.DirectoryDigest{}, err
		}
		tries = append(tries, nested)
	}

	merged, err := digesttrie.Merge(tries...)
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	return digesttrie.FromTrie(merged), nil
}

// trieFromTree decodes a Tree message, resolving child directories
// from the message itself rather than the store.
func trieFromTree(ctx context.Context, tree *remoteexecution.Tree) (*digesttrie.Trie, error) {
	children := map[digest.Digest]*remoteexecution.Directory{}
	for _, child := range tree.Children {
		d, _, err := digest.OfProto(child)
		if err != nil {
			return nil, err
		}
		children[d] = child
	}
	return digesttrie.FromDirectory(ctx, tree.Root, func(ctx context.Context, d digest.Digest) (*remoteexecution.Directory, error) {
		if child, ok := children[d]; ok {
			return child, nil
		}
		return nil, status.Errorf(codes.NotFound, "Tree does not contain child directory %s", d)
	})
}

// nestTrie wraps a trie in directory levels so that it appears at the
// given slash-separated path below the root.
func nestTrie(path string, t *digesttrie.Trie) (*digesttrie.Trie, error) {
	if path == "" {
		return t, nil
	}
	components := strings.Split(path, "/")
	for i := len(components) - 1; i >= 0; i-- {
		var err error
		t, err = digesttrie.FromEntries(digesttrie.NewDirectoryEntry(components[i], t))
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}
