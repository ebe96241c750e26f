package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/forgebuild/forge/pkg/runner"
	"github.com/forgebuild/forge/pkg/store"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newRunnerTestStore(t *testing.T) *store.Store {
	localStore, err := local.NewInMemoryStore(clock.SystemClock, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { localStore.Close() })
	return store.New(localStore, nil)
}

func newLocalRunner(t *testing.T, s *store.Store) *runner.LocalRunner {
	root := t.TempDir()
	immutableInputs, err := store.NewImmutableInputs(s, filepath.Join(root, "immutable"))
	require.NoError(t, err)
	return runner.NewLocalRunner(runner.LocalRunnerOptions{
		Store:           s,
		SandboxRoot:     filepath.Join(root, "sandboxes"),
		ImmutableInputs: immutableInputs,
		NamedCaches:     store.NewNamedCaches(filepath.Join(root, "caches")),
		GracePeriod:     100 * time.Millisecond,
	})
}

func localEnvironment() process.ExecutionEnvironment {
	return process.ExecutionEnvironment{
		Name:     "local",
		Strategy: process.StrategyLocal,
		Platform: "linux_x86_64",
	}
}

func bashProcess(script string) *process.Process {
	return &process.Process{
		Argv:        []string{"/bin/bash", "-c", script},
		Execution:   localEnvironment(),
		Description: "test process",
	}
}

// A process writing a single output file yields an output directory
// digest identical to the trie built from that file directly.
func TestLocalRunnerOutputCapture(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	r := newLocalRunner(t, s)

	p := bashProcess("echo -n foo > out")
	p.OutputFiles = []string{"out"}
	result, err := r.Run(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.Equal(t, process.SourceRanLocally, result.Metadata.Source)

	expected, err := digesttrie.FromPathStats([]digesttrie.PathStat{{
		Path:   "out",
		Kind:   digesttrie.PathStatFile,
		Digest: digest.OfBytes([]byte("foo")),
	}})
	require.NoError(t, err)
	require.Equal(t, expected.Digest(), result.OutputDirectory.Digest)
}

func TestLocalRunnerStdoutStderr(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	r := newLocalRunner(t, s)

	result, err := r.Run(ctx, bashProcess("echo -n to-stdout; echo -n to-stderr >&2"))
	require.NoError(t, err)

	stdout, found, err := s.LoadFileBytes(ctx, result.StdoutDigest)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("to-stdout"), stdout)
	stderr, found, err := s.LoadFileBytes(ctx, result.StderrDigest)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("to-stderr"), stderr)
}

func TestLocalRunnerExitCode(t *testing.T) {
	ctx := context.Background()
	r := newLocalRunner(t, newRunnerTestStore(t))

	result, err := r.Run(ctx, bashProcess("exit 42"))
	require.NoError(t, err)
	require.Equal(t, int32(42), result.ExitCode)
}

func TestLocalRunnerChrootSubstitution(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	r := newLocalRunner(t, s)

	p := bashProcess(`echo -n "$SANDBOX"`)
	p.Env = map[string]string{"SANDBOX": "{chroot}"}
	result, err := r.Run(ctx, p)
	require.NoError(t, err)

	stdout, _, err := s.LoadFileBytes(ctx, result.StdoutDigest)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(stdout), "/"))
	require.Contains(t, string(stdout), "sandbox-")
}

func TestLocalRunnerInputMaterialization(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	r := newLocalRunner(t, s)

	snapshot, err := s.SnapshotOfOneFile(ctx, "input.txt", []byte("input contents"), false)
	require.NoError(t, err)

	p := bashProcess("cat input.txt")
	p.InputDigest = snapshot
	result, err := r.Run(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)

	stdout, _, err := s.LoadFileBytes(ctx, result.StdoutDigest)
	require.NoError(t, err)
	require.Equal(t, []byte("input contents"), stdout)
}

func TestLocalRunnerImmutableInputSymlink(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	r := newLocalRunner(t, s)

	snapshot, err := s.SnapshotOfOneFile(ctx, "lib.txt", []byte("shared library"), false)
	require.NoError(t, err)

	p := bashProcess("cat deps/lib.txt")
	p.ImmutableInputs = map[string]digesttrie.DirectoryDigest{"deps": snapshot}
	result, err := r.Run(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)

	stdout, _, err := s.LoadFileBytes(ctx, result.StdoutDigest)
	require.NoError(t, err)
	require.Equal(t, []byte("shared library"), stdout)
}

func TestLocalRunnerNamedCachePersistence(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	r := newLocalRunner(t, s)

	p1 := bashProcess("echo -n persisted > cache_dir/witness")
	p1.NamedCaches = map[string]string{"testcache": "cache_dir"}
	result, err := r.Run(ctx, p1)
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)

	// The write went through the symlink into the persistent cache,
	// so a second sandbox sees it.
	p2 := bashProcess("cat cache_dir/witness")
	p2.NamedCaches = map[string]string{"testcache": "cache_dir"}
	result, err = r.Run(ctx, p2)
	require.NoError(t, err)
	stdout, _, err := s.LoadFileBytes(ctx, result.StdoutDigest)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), stdout)
}

func TestLocalRunnerCancellation(t *testing.T) {
	r := newLocalRunner(t, newRunnerTestStore(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	startTime := time.Now()
	_, err := r.Run(ctx, bashProcess("sleep 30"))
	require.Equal(t, codes.DeadlineExceeded, status.Code(err))
	require.Less(t, time.Since(startTime), 5*time.Second)
}

func TestLocalRunnerValidation(t *testing.T) {
	r := newLocalRunner(t, newRunnerTestStore(t))

	_, err := r.Run(context.Background(), &process.Process{Execution: localEnvironment()})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLocalRunnerKeepSandboxesAlways(t *testing.T) {
	ctx := context.Background()
	s := newRunnerTestStore(t)
	root := t.TempDir()
	immutableInputs, err := store.NewImmutableInputs(s, filepath.Join(root, "immutable"))
	require.NoError(t, err)
	sandboxRoot := filepath.Join(root, "sandboxes")
	r := runner.NewLocalRunner(runner.LocalRunnerOptions{
		Store:           s,
		SandboxRoot:     sandboxRoot,
		ImmutableInputs: immutableInputs,
		NamedCaches:     store.NewNamedCaches(filepath.Join(root, "caches")),
		KeepSandboxes:   runner.KeepSandboxesAlways,
		GracePeriod:     100 * time.Millisecond,
	})

	_, err = r.Run(ctx, bashProcess("true"))
	require.NoError(t, err)
	entries, err := os.ReadDir(sandboxRoot)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLocalRunnerInteractiveRequiresLocal(t *testing.T) {
	r := newLocalRunner(t, newRunnerTestStore(t))

	p := bashProcess("true")
	p.Execution.Strategy = process.StrategyRemoteExecution
	_, err := r.RunInteractive(context.Background(), p, runner.InteractiveIO{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
