package runner

import (
	"context"
	"log"
	"sync"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/forgebuild/forge/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cachingRunnerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "runner",
			Name:      "cache_requests_total",
			Help:      "Number of process cache lookups, by result.",
		},
		[]string{"result"})
	cachingRunnerRequestsHit   = cachingRunnerRequests.WithLabelValues("hit")
	cachingRunnerRequestsMiss  = cachingRunnerRequests.WithLabelValues("miss")
	cachingRunnerRequestsError = cachingRunnerRequests.WithLabelValues("error")
)

func init() {
	prometheus.MustRegister(cachingRunnerRequests)
}

// CachingRunner memoizes process results in the store under their
// canonical process digest. Concurrent runs of identical processes
// share a single execution.
type CachingRunner struct {
	inner CommandRunner
	store *store.Store
	// restartToken is a random value fixed for the lifetime of this
	// process. Mixing it into per-restart cache keys makes entries
	// from earlier runs unreachable without deleting them.
	restartToken string

	group singleflight.Group

	lock           sync.Mutex
	sessionResults map[digest.Digest]*process.FallibleResult
}

// NewCachingRunner wraps a runner with result memoization. The restart
// token must be unique per process lifetime.
func NewCachingRunner(inner CommandRunner, s *store.Store, restartToken string) *CachingRunner {
	return &CachingRunner{
		inner:          inner,
		store:          s,
		restartToken:   restartToken,
		sessionResults: map[digest.Digest]*process.FallibleResult{},
	}
}

func (c *CachingRunner) cacheKey(p *process.Process) digest.Digest {
	key := process.CanonicalDigest(p)
	if p.Scope.PerRestart() {
		key = digest.OfBytes([]byte(key.String() + "|" + c.restartToken))
	}
	return key
}

// Run implements CommandRunner.
func (c *CachingRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	key := c.cacheKey(p)
	result, err, _ := c.group.Do(key.Hex(), func() (any, error) {
		return c.runOnce(ctx, p, key)
	})
	if err != nil {
		return nil, err
	}
	return result.(*process.FallibleResult), nil
}

func (c *CachingRunner) runOnce(ctx context.Context, p *process.Process, key digest.Digest) (*process.FallibleResult, error) {
	if p.Scope == process.CacheScopePerSession {
		c.lock.Lock()
		cached, ok := c.sessionResults[key]
		c.lock.Unlock()
		if ok {
			cachingRunnerRequestsHit.Inc()
			hit := *cached
			hit.Metadata.Source = process.SourceHitLocally
			return &hit, nil
		}
	} else if cached := c.load(ctx, p, key); cached != nil {
		cachingRunnerRequestsHit.Inc()
		return cached, nil
	}
	cachingRunnerRequestsMiss.Inc()

	result, err := c.inner.Run(ctx, p)
	if err != nil {
		return nil, err
	}
	c.save(ctx, p, key, result)
	return result, nil
}

// load returns the cached result for key, or nil on a miss. Read
// errors and unreadable referenced blobs count as misses: the cache
// must never make a runnable process fail.
func (c *CachingRunner) load(ctx context.Context, p *process.Process, key digest.Digest) *process.FallibleResult {
	response, found, err := c.store.LoadActionResult(ctx, key)
	if err != nil {
		cachingRunnerRequestsError.Inc()
		log.Printf("Failed to read cache entry %s: %s", key, err)
		return nil
	}
	if !found || response.Result == nil {
		return nil
	}
	result, err := c.resultFromResponse(ctx, p, response)
	if err != nil {
		cachingRunnerRequestsError.Inc()
		log.Printf("Discarding unusable cache entry %s: %s", key, err)
		return nil
	}
	return result
}

func (c *CachingRunner) save(ctx context.Context, p *process.Process, key digest.Digest, result *process.FallibleResult) {
	if p.Scope == process.CacheScopePerSession {
		c.lock.Lock()
		c.sessionResults[key] = result
		c.lock.Unlock()
		return
	}
	if result.ExitCode == 0 {
		if !p.Scope.PersistsSuccess() {
			return
		}
	} else if !p.Scope.PersistsFailure() {
		return
	}
	if err := c.store.StoreActionResult(ctx, key, c.responseFromResult(result)); err != nil {
		log.Printf("Failed to write cache entry %s: %s", key, err)
	}
}

// responseFromResult serializes a result as an ExecuteResponse. The
// output directory's root Directory digest is carried in the tree
// digest field; entries are only ever read back by this runner, which
// resolves it against the store rather than as a Tree message.
func (c *CachingRunner) responseFromResult(result *process.FallibleResult) *remoteexecution.ExecuteResponse {
	return &remoteexecution.ExecuteResponse{
		Result: &remoteexecution.ActionResult{
			ExitCode:     result.ExitCode,
			StdoutDigest: result.StdoutDigest.ToProto(),
			StderrDigest: result.StderrDigest.ToProto(),
			OutputDirectories: []*remoteexecution.OutputDirectory{{
				TreeDigest: result.OutputDirectory.Digest.ToProto(),
			}},
		},
		CachedResult: true,
	}
}

func (c *CachingRunner) resultFromResponse(ctx context.Context, p *process.Process, response *remoteexecution.ExecuteResponse) (*process.FallibleResult, error) {
	actionResult := response.Result
	stdoutDigest, err := digest.FromProto(actionResult.StdoutDigest)
	if err != nil {
		return nil, err
	}
	stderrDigest, err := digest.FromProto(actionResult.StderrDigest)
	if err != nil {
		return nil, err
	}
	outputDigest := digesttrie.EmptyDirectoryDigest()
	if len(actionResult.OutputDirectories) > 0 {
		root, err := digest.FromProto(actionResult.OutputDirectories[0].TreeDigest)
		if err != nil {
			return nil, err
		}
		trie, err := c.store.LoadDirectory(ctx, root)
		if err != nil {
			return nil, err
		}
		outputDigest = digesttrie.FromTrie(trie)
	}

	// A cache hit is only usable if every blob it references can
	// still be loaded.
	if err := c.store.EnsureLocalHasFile(ctx, stdoutDigest); err != nil {
		return nil, err
	}
	if err := c.store.EnsureLocalHasFile(ctx, stderrDigest); err != nil {
		return nil, err
	}
	if err := c.store.EnsureLocalHasRecursiveDirectory(ctx, outputDigest); err != nil {
		return nil, err
	}

	return &process.FallibleResult{
		StdoutDigest:    stdoutDigest,
		StderrDigest:    stderrDigest,
		ExitCode:        actionResult.ExitCode,
		OutputDirectory: outputDigest,
		Metadata: process.ResultMetadata{
			Source:      process.SourceHitLocally,
			Environment: p.Execution.Name,
		},
	}, nil
}
