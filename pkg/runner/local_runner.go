package runner

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/pathglob"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/forgebuild/forge/pkg/store"
	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// KeepSandboxes controls whether sandbox directories are preserved
// after a process finishes, for debugging.
type KeepSandboxes int

const (
	// KeepSandboxesNever removes every sandbox.
	KeepSandboxesNever KeepSandboxes = iota
	// KeepSandboxesOnFailure preserves sandboxes of processes that
	// exited non-zero or failed to run.
	KeepSandboxesOnFailure
	// KeepSandboxesAlways preserves every sandbox.
	KeepSandboxesAlways
)

// The placeholder substituted with the sandbox's absolute path in argv
// and environment values.
const chrootPlaceholder = "{chroot}"

// LocalRunnerOptions configures NewLocalRunner.
type LocalRunnerOptions struct {
	Store           *store.Store
	SandboxRoot     string
	ImmutableInputs *store.ImmutableInputs
	NamedCaches     *store.NamedCaches
	KeepSandboxes   KeepSandboxes
	// GracePeriod is how long a cancelled process gets to exit after
	// SIGINT before its process group is killed.
	GracePeriod time.Duration
}

// LocalRunner executes processes in sandbox directories on the local
// machine.
type LocalRunner struct {
	options LocalRunnerOptions
}

// NewLocalRunner creates a runner that executes processes in uniquely
// named sandbox directories under the configured root.
func NewLocalRunner(options LocalRunnerOptions) *LocalRunner {
	return &LocalRunner{options: options}
}

// Run implements CommandRunner.
func (r *LocalRunner) Run(ctx context.Context, p *process.Process) (*process.FallibleResult, error) {
	return r.run(ctx, p, nil)
}

// InteractiveIO binds a process's standard streams to the caller's
// console.
type InteractiveIO struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// RunInteractive runs a process with its standard streams bound to the
// given console. Only local execution environments support this; the
// process's output is not captured into the store.
func (r *LocalRunner) RunInteractive(ctx context.Context, p *process.Process, console InteractiveIO) (*process.FallibleResult, error) {
	if !p.Execution.SupportsInteractive() {
		return nil, status.Errorf(codes.InvalidArgument, "Environment %#v does not support interactive execution", p.Execution.Name)
	}
	return r.run(ctx, p, &console)
}

func (r *LocalRunner) run(ctx context.Context, p *process.Process, console *InteractiveIO) (*process.FallibleResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	startTime := time.Now()

	sandbox := filepath.Join(r.options.SandboxRoot, "sandbox-"+uuid.New().String())
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to create sandbox %#v: %s", sandbox, err)
	}
	keep := r.options.KeepSandboxes == KeepSandboxesAlways
	defer func() {
		if keep {
			log.Printf("Preserving sandbox %s for %s", sandbox, p.Description)
		} else {
			os.RemoveAll(sandbox)
		}
	}()

	if err := r.prepareSandbox(ctx, p, sandbox); err != nil {
		keep = keep || r.options.KeepSandboxes == KeepSandboxesOnFailure
		return nil, err
	}

	exitCode, stdout, stderr, err := r.spawn(ctx, p, sandbox, console)
	if err != nil {
		keep = keep || r.options.KeepSandboxes == KeepSandboxesOnFailure
		return nil, err
	}
	if exitCode != 0 && r.options.KeepSandboxes == KeepSandboxesOnFailure {
		keep = true
	}

	stdoutDigest, err := r.options.Store.StoreFileBytes(ctx, stdout)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to store stdout")
	}
	stderrDigest, err := r.options.Store.StoreFileBytes(ctx, stderr)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to store stderr")
	}

	// Outputs are captured regardless of the exit code; the cache
	// runner decides what to do with failed results.
	outputDigest, err := r.captureOutputs(ctx, p, sandbox)
	if err != nil {
		return nil, err
	}

	return &process.FallibleResult{
		StdoutDigest:    stdoutDigest,
		StderrDigest:    stderrDigest,
		ExitCode:        exitCode,
		OutputDirectory: outputDigest,
		Metadata: process.ResultMetadata{
			Source:      process.SourceRanLocally,
			Environment: p.Execution.Name,
			Elapsed:     time.Since(startTime),
		},
	}, nil
}

func (r *LocalRunner) prepareSandbox(ctx context.Context, p *process.Process, sandbox string) error {
	if err := r.options.Store.MaterializeDirectory(ctx, sandbox, p.InputDigest, false, nil, store.Writable); err != nil {
		return util.StatusWrap(err, "Failed to materialize input root")
	}

	immutablePaths := make([]string, 0, len(p.ImmutableInputs))
	for immutablePath := range p.ImmutableInputs {
		immutablePaths = append(immutablePaths, immutablePath)
	}
	sort.Strings(immutablePaths)
	for _, immutablePath := range immutablePaths {
		cell, err := r.options.ImmutableInputs.Path(ctx, p.ImmutableInputs[immutablePath])
		if err != nil {
			return util.StatusWrapf(err, "Failed to materialize immutable input %#v", immutablePath)
		}
		if err := createSymlink(sandbox, immutablePath, cell); err != nil {
			return err
		}
	}

	if len(p.NamedCaches) > 0 {
		requests, err := r.options.NamedCaches.Symlinks(p.NamedCaches)
		if err != nil {
			return err
		}
		for _, request := range requests {
			if err := createSymlink(sandbox, request.SandboxPath, request.Target); err != nil {
				return err
			}
		}
	}

	if p.WorkingDirectory != "" {
		if err := os.MkdirAll(filepath.Join(sandbox, filepath.FromSlash(p.WorkingDirectory)), 0o755); err != nil {
			return status.Errorf(codes.Internal, "Failed to create working directory: %s", err)
		}
	}
	for _, outputPath := range p.OutputFiles {
		parent := filepath.Dir(filepath.Join(sandbox, filepath.FromSlash(outputPath)))
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return status.Errorf(codes.Internal, "Failed to create parent of output %#v: %s", outputPath, err)
		}
	}
	return nil
}

func createSymlink(sandbox, relPath, target string) error {
	destination := filepath.Join(sandbox, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return status.Errorf(codes.Internal, "Failed to create parent of %#v: %s", relPath, err)
	}
	if err := os.Symlink(target, destination); err != nil {
		return status.Errorf(codes.Internal, "Failed to create symlink %#v: %s", relPath, err)
	}
	return nil
}

func (r *LocalRunner) spawn(ctx context.Context, p *process.Process, sandbox string, console *InteractiveIO) (int32, []byte, []byte, error) {
	argv := make([]string, len(p.Argv))
	for i, arg := range p.Argv {
		argv[i] = strings.ReplaceAll(arg, chrootPlaceholder, sandbox)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Join(sandbox, filepath.FromSlash(p.WorkingDirectory))

	names := make([]string, 0, len(p.Env))
	for name := range p.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	cmd.Env = make([]string, 0, len(names))
	for _, name := range names {
		cmd.Env = append(cmd.Env, name+"="+strings.ReplaceAll(p.Env[name], chrootPlaceholder, sandbox))
	}

	var stdout, stderr bytes.Buffer
	if console != nil {
		cmd.Stdin = console.Stdin
		cmd.Stdout = console.Stdout
		cmd.Stderr = console.Stderr
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	// The child gets its own process group, so that cancellation can
	// signal the entire tree.
	cmd.SysProcAttr = sysProcAttrNewProcessGroup()

	if err := cmd.Start(); err != nil {
		return 0, nil, nil, status.Errorf(codes.InvalidArgument, "Failed to start process: %s", err)
	}

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	select {
	case err := <-waitDone:
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				return 0, nil, nil, status.Errorf(codes.Internal, "Failed to wait for process: %s", err)
			}
		}
		return int32(cmd.ProcessState.ExitCode()), stdout.Bytes(), stderr.Bytes(), nil
	case <-ctx.Done():
		killProcessGroup(cmd.Process.Pid, false)
		select {
		case <-waitDone:
		case <-time.After(r.options.GracePeriod):
			killProcessGroup(cmd.Process.Pid, true)
			<-waitDone
		}
		return 0, nil, nil, util.StatusFromContext(ctx)
	}
}

func (r *LocalRunner) captureOutputs(ctx context.Context, p *process.Process, sandbox string) (digesttrie.DirectoryDigest, error) {
	patterns := make([]string, 0, len(p.OutputFiles)+len(p.OutputDirectories))
	patterns = append(patterns, p.OutputFiles...)
	patterns = append(patterns, p.OutputDirectories...)
	if len(patterns) == 0 {
		return digesttrie.EmptyDirectoryDigest(), nil
	}
	globs, err := pathglob.New(patterns, pathglob.AnyMatch, pathglob.Ignore, "process outputs")
	if err != nil {
		return digesttrie.DirectoryDigest{}, err
	}
	snapshot, err := r.options.Store.CaptureSnapshot(ctx, sandbox, globs, nil)
	if err != nil {
		return digesttrie.DirectoryDigest{}, util.StatusWrap(err, "Failed to capture outputs")
	}
	return snapshot, nil
}
