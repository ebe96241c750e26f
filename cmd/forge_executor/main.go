package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/forgebuild/forge/pkg/blobstore/local"
	"github.com/forgebuild/forge/pkg/blobstore/remote"
	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/grpcutil"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/forgebuild/forge/pkg/runner"
	"github.com/forgebuild/forge/pkg/store"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// forge_executor runs a single process through the configured runner
// stack:
//
//	forge_executor --local-store-path=/tmp/store --env=FOO=bar \
//	  --input-digest=<hex> --input-digest-length=80 -- /bin/program --flag
//
// The process's stdout and stderr are copied to this process's stdout
// and stderr, and the exit code is propagated. No $PATH lookup or
// shell expansion is performed.
func main() {
	var (
		localStorePath   = pflag.String("local-store-path", "", "Directory holding the local store.")
		casServer        = pflag.String("cas-server", "", "Optional address of an REAPI content addressed storage server.")
		server           = pflag.String("server", "", "Address of an REAPI execution server. Forces remote execution; if unspecified the process runs locally.")
		instanceName     = pflag.String("instance-name", "", "REAPI instance name.")
		inputDigestHex   = pflag.String("input-digest", "", "Fingerprint of the input file tree.")
		inputDigestSize  = pflag.Int64("input-digest-length", 0, "Size in bytes of the directory message whose digest is the input file tree.")
		env              = pflag.StringArray("env", nil, "Environment variables for the process, as NAME=value.")
		outputFiles      = pflag.StringArray("output-file-path", nil, "Path of a file captured as output.")
		outputDirs       = pflag.StringArray("output-directory-path", nil, "Path of a directory captured as output.")
		workingDirectory = pflag.String("working-directory", "", "Directory to execute the process in, relative to the input root.")
		timeout          = pflag.Duration("timeout", 0, "Wall clock bound on the process's run time. Zero means none.")
		description      = pflag.String("description", "", "Human readable description of the process.")
		platform         = pflag.String("platform", "", "Target platform identifier.")
		workDir          = pflag.String("work-dir", "", "Directory to create sandboxes in. Defaults to the system temp directory.")
		namedCachePath   = pflag.String("named-cache-path", "", "Directory to hold named caches. Defaults to a directory next to the store.")
		keepSandboxes    = pflag.String("keep-sandboxes", "never", "When to preserve sandbox directories: never, on-failure or always.")
		concurrency      = pflag.Int("concurrency", 1, "Maximum number of processes running at once.")
		cache            = pflag.Bool("cache", false, "Read and write the process result cache.")
		perRestartToken  = pflag.String("cache-key-gen-version", "", "Value mixed into per-restart cache keys. Defaults to a random value.")
		materializeTo    = pflag.String("materialize-output-to", "", "Directory to materialize the output tree into.")
	)
	pflag.Parse()

	argv := pflag.Args()
	if len(argv) == 0 {
		log.Fatal("No command given; pass it after \"--\"")
	}
	if *localStorePath == "" {
		log.Fatal("--local-store-path is required")
	}
	if *server != "" && *casServer == "" {
		log.Fatal("Can't specify --server without --cas-server")
	}

	ctx := context.Background()
	localStore, err := local.NewStore(*localStorePath, clock.SystemClock, 14*24*time.Hour)
	if err != nil {
		log.Fatal("Failed to open local store: ", err)
	}
	defer localStore.Close()

	var byteStore *remote.ByteStore
	if *casServer != "" {
		conn, err := grpc.NewClient(*casServer, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatal("Failed to connect to CAS server: ", err)
		}
		defer conn.Close()
		provider := remote.NewREAPIProvider(conn, *instanceName, 3<<20, 4<<20,
			30*time.Second, grpcutil.DefaultRetryPolicy(), 16)
		byteStore = remote.NewByteStore(provider, 1<<20, os.TempDir())
	}
	s := store.New(localStore, byteStore)

	p, err := makeProcess(argv, *inputDigestHex, *inputDigestSize, *env, *outputFiles,
		*outputDirs, *workingDirectory, *timeout, *description, *platform, *server)
	if err != nil {
		log.Fatal(err)
	}

	commandRunner, err := makeRunner(s, byteStore, runnerOptions{
		server:          *server,
		instanceName:    *instanceName,
		localStorePath:  *localStorePath,
		workDir:         *workDir,
		namedCachePath:  *namedCachePath,
		keepSandboxes:   *keepSandboxes,
		concurrency:     *concurrency,
		cache:           *cache,
		perRestartToken: *perRestartToken,
	})
	if err != nil {
		log.Fatal(err)
	}

	result, err := commandRunner.Run(ctx, p)
	if err != nil {
		log.Fatal("Failed to run process: ", err)
	}

	if *materializeTo != "" {
		if err := s.MaterializeDirectory(ctx, *materializeTo, result.OutputDirectory, true, nil, store.Writable); err != nil {
			log.Fatal("Failed to materialize output: ", err)
		}
	}

	copyBlob(ctx, s, result.StdoutDigest, os.Stdout)
	copyBlob(ctx, s, result.StderrDigest, os.Stderr)
	fmt.Fprintf(os.Stderr, "Exit code: %d (%s in %s)\n",
		result.ExitCode, result.Metadata.Source, result.Metadata.Elapsed)
	os.Exit(int(result.ExitCode))
}

func makeProcess(argv []string, inputDigestHex string, inputDigestSize int64, env, outputFiles, outputDirs []string, workingDirectory string, timeout time.Duration, description, platform, server string) (*process.Process, error) {
	inputDigest := digesttrie.EmptyDirectoryDigest()
	if inputDigestHex != "" {
		d, err := digest.NewFromHex(inputDigestHex, inputDigestSize)
		if err != nil {
			return nil, err
		}
		inputDigest = digesttrie.DirectoryDigest{Digest: d}
	}

	environment := make(map[string]string, len(env))
	for _, entry := range env {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("--env requires NAME=value, got %#v", entry)
		}
		environment[name] = value
	}

	execution := process.ExecutionEnvironment{
		Name:     "cli",
		Strategy: process.StrategyLocal,
		Platform: platform,
	}
	if server != "" {
		execution.Strategy = process.StrategyRemoteExecution
		execution.RemoteAddress = server
	}

	if description == "" {
		description = strconv.Quote(strings.Join(argv, " "))
	}
	p := &process.Process{
		Argv:              argv,
		Env:               environment,
		WorkingDirectory:  workingDirectory,
		InputDigest:       inputDigest,
		OutputFiles:       outputFiles,
		OutputDirectories: outputDirs,
		Timeout:           timeout,
		Execution:         execution,
		Scope:             process.CacheScopeAlways,
		Description:       description,
	}
	return p, p.Validate()
}

type runnerOptions struct {
	server          string
	instanceName    string
	localStorePath  string
	workDir         string
	namedCachePath  string
	keepSandboxes   string
	concurrency     int
	cache           bool
	perRestartToken string
}

func makeRunner(s *store.Store, byteStore *remote.ByteStore, options runnerOptions) (runner.CommandRunner, error) {
	var commandRunner runner.CommandRunner
	if options.server != "" {
		conn, err := grpc.NewClient(options.server, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		commandRunner = runner.NewRemoteRunner(remoteexecution.NewExecutionClient(conn),
			s, byteStore, options.instanceName, grpcutil.DefaultRetryPolicy())
	} else {
		var keep runner.KeepSandboxes
		switch options.keepSandboxes {
		case "never":
			keep = runner.KeepSandboxesNever
		case "on-failure":
			keep = runner.KeepSandboxesOnFailure
		case "always":
			keep = runner.KeepSandboxesAlways
		default:
			return nil, fmt.Errorf("unknown --keep-sandboxes value %#v", options.keepSandboxes)
		}
		workDir := options.workDir
		if workDir == "" {
			workDir = os.TempDir()
		}
		namedCachePath := options.namedCachePath
		if namedCachePath == "" {
			namedCachePath = filepath.Join(options.localStorePath, "named_caches")
		}
		immutableInputs, err := store.NewImmutableInputs(s, filepath.Join(options.localStorePath, "immutable_inputs"))
		if err != nil {
			return nil, err
		}
		commandRunner = runner.NewLocalRunner(runner.LocalRunnerOptions{
			Store:           s,
			SandboxRoot:     workDir,
			ImmutableInputs: immutableInputs,
			NamedCaches:     store.NewNamedCaches(namedCachePath),
			KeepSandboxes:   keep,
			GracePeriod:     5 * time.Second,
		})
	}

	commandRunner = runner.NewTimeoutRunner(commandRunner, s)
	commandRunner = runner.NewBoundedRunner(commandRunner, options.concurrency)
	if options.cache {
		restartToken := options.perRestartToken
		if restartToken == "" {
			restartToken = uuid.New().String()
		}
		commandRunner = runner.NewCachingRunner(commandRunner, s, restartToken)
	}
	return commandRunner, nil
}

func copyBlob(ctx context.Context, s *store.Store, d digest.Digest, w *os.File) {
	if d.IsEmpty() {
		return
	}
	if _, err := s.LoadFileBytesWith(ctx, d, func(data []byte) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		log.Print("Failed to load output blob: ", err)
	}
}
