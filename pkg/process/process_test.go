package process_test

import (
	"testing"
	"time"

	"github.com/forgebuild/forge/pkg/digest"
	"github.com/forgebuild/forge/pkg/digesttrie"
	"github.com/forgebuild/forge/pkg/process"
	"github.com/stretchr/testify/require"
)

func validProcess() *process.Process {
	return &process.Process{
		Argv:        []string{"/bin/echo", "hello"},
		Env:         map[string]string{"PATH": "/usr/bin"},
		InputDigest: digesttrie.EmptyDirectoryDigest(),
		OutputFiles: []string{"out.txt"},
		Execution:   process.ExecutionEnvironment{Name: "local", Strategy: process.StrategyLocal},
	}
}

func TestValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, validProcess().Validate())
	})

	t.Run("EmptyArgv", func(t *testing.T) {
		p := validProcess()
		p.Argv = nil
		require.Error(t, p.Validate())
	})

	t.Run("NulInEnvKey", func(t *testing.T) {
		p := validProcess()
		p.Env = map[string]string{"BAD\x00KEY": "v"}
		require.Error(t, p.Validate())
	})

	t.Run("AbsoluteOutputPath", func(t *testing.T) {
		p := validProcess()
		p.OutputFiles = []string{"/etc/passwd"}
		require.Error(t, p.Validate())
	})

	t.Run("EscapingOutputPath", func(t *testing.T) {
		p := validProcess()
		p.OutputFiles = []string{"../escape"}
		require.Error(t, p.Validate())
	})

	t.Run("UnnormalizedOutputPath", func(t *testing.T) {
		p := validProcess()
		p.OutputDirectories = []string{"a//b"}
		require.Error(t, p.Validate())
	})

	t.Run("BadCacheName", func(t *testing.T) {
		p := validProcess()
		p.NamedCaches = map[string]string{"Bad-Name": "cache"}
		require.Error(t, p.Validate())
	})

	t.Run("GoodCacheName", func(t *testing.T) {
		p := validProcess()
		p.NamedCaches = map[string]string{"pip_cache_0": "cache"}
		require.NoError(t, p.Validate())
	})
}

func TestCanonicalDigestStability(t *testing.T) {
	p1 := validProcess()
	p2 := validProcess()
	require.Equal(t, process.CanonicalDigest(p1), process.CanonicalDigest(p2))

	// Map iteration order must not matter.
	p2.Env = map[string]string{"PATH": "/usr/bin"}
	require.Equal(t, process.CanonicalDigest(p1), process.CanonicalDigest(p2))

	// Description is excluded.
	p2.Description = "different"
	require.Equal(t, process.CanonicalDigest(p1), process.CanonicalDigest(p2))
}

func TestCanonicalDigestSensitivity(t *testing.T) {
	base := process.CanonicalDigest(validProcess())

	mutations := map[string]func(*process.Process){
		"argv":        func(p *process.Process) { p.Argv = []string{"/bin/echo", "bye"} },
		"env":         func(p *process.Process) { p.Env["EXTRA"] = "1" },
		"workdir":     func(p *process.Process) { p.WorkingDirectory = "subdir" },
		"outputs":     func(p *process.Process) { p.OutputFiles = []string{"other.txt"} },
		"timeout":     func(p *process.Process) { p.Timeout = time.Minute },
		"scope":       func(p *process.Process) { p.Scope = process.CacheScopeSuccessful },
		"environment": func(p *process.Process) { p.Execution.Platform = "linux_arm64" },
		"caches":      func(p *process.Process) { p.NamedCaches = map[string]string{"pex_root": ".cache/pex"} },
		"input": func(p *process.Process) {
			p.InputDigest = digesttrie.DirectoryDigest{Digest: digest.OfBytes([]byte("tree"))}
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := validProcess()
			mutate(p)
			require.NotEqual(t, base, process.CanonicalDigest(p))
		})
	}
}

func TestCacheScopePolicies(t *testing.T) {
	require.True(t, process.CacheScopeAlways.PersistsFailure())
	require.False(t, process.CacheScopeSuccessful.PersistsFailure())
	require.True(t, process.CacheScopePerRestartAlways.PerRestart())
	require.False(t, process.CacheScopeAlways.PerRestart())
	require.False(t, process.CacheScopePerSession.PersistsSuccess())
}

func TestREAPIConversion(t *testing.T) {
	p := validProcess()
	p.Env["ZZZ"] = "last"
	p.Env["AAA"] = "first"
	command := p.REAPICommand()
	require.Equal(t, []string{"/bin/echo", "hello"}, command.Arguments)
	require.Equal(t, "AAA", command.EnvironmentVariables[0].Name)
	require.Equal(t, "ZZZ", command.EnvironmentVariables[2].Name)

	commandDigest, _, err := digest.OfProto(command)
	require.NoError(t, err)
	action := p.REAPIAction(commandDigest)
	require.Equal(t, commandDigest.ToProto(), action.CommandDigest)
	require.False(t, action.DoNotCache)

	p.Scope = process.CacheScopePerSession
	require.True(t, p.REAPIAction(commandDigest).DoNotCache)
}

func TestInteractiveSupport(t *testing.T) {
	local := process.ExecutionEnvironment{Strategy: process.StrategyLocal}
	remote := process.ExecutionEnvironment{Strategy: process.StrategyRemoteExecution}
	require.True(t, local.SupportsInteractive())
	require.False(t, remote.SupportsInteractive())
}
