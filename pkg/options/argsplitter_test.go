package options_test

import (
	"testing"

	"github.com/forgebuild/forge/pkg/options"
	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/require"
)

func testGoals() []options.GoalInfo {
	return []options.GoalInfo{
		{Name: "run"},
		{Name: "check"},
		{Name: "fmt"},
		{Name: "test"},
		{Name: "help", IsBuiltin: true, Aliases: []string{"-h", "--help"}},
		{Name: "help-advanced", IsBuiltin: true, Aliases: []string{"--help-advanced"}},
		{Name: "help-all", IsBuiltin: true},
		{Name: "bsp", IsAuxiliary: true},
		{Name: "version", IsBuiltin: true, Aliases: []string{"-v", "-V"}},
	}
}

// splitCommandLine splits a full command line, skipping the binary
// name, the way the shell would have delivered it.
func splitCommandLine(t *testing.T, buildRoot, commandLine string) options.Command {
	t.Helper()
	args, err := shellquote.Split(commandLine)
	require.NoError(t, err)
	return options.NewArgSplitter(buildRoot, testGoals()).SplitArgs(args[1:])
}

func TestArgSplitterSpecDetection(t *testing.T) {
	buildRoot := t.TempDir()
	assertSpec := func(maybeSpec string) {
		require.Equal(t, options.Command{
			BuiltinOrAuxiliaryGoal: options.NoGoalName,
			Specs:                  []string{maybeSpec},
		}, splitCommandLine(t, buildRoot, "pants "+maybeSpec), "spec: %q", maybeSpec)
	}
	assertUnknownGoal := func(token string) {
		require.Equal(t, options.Command{
			BuiltinOrAuxiliaryGoal: options.UnknownGoalName,
			UnknownGoals:           []string{token},
		}, splitCommandLine(t, buildRoot, "pants "+token), "token: %q", token)
	}

	for _, spec := range []string{
		"a/b/c",
		"a/b/c/",
		"a/b:c",
		"a/b/c.txt",
		":c",
		"::",
		"a/",
		"./a.txt",
		".",
		"*",
		"a/b/*.txt",
		"a/b/test*",
		"a/**/*",
		"a/b.txt:tgt",
		"a/b.txt:../tgt",
		"dir#gen",
		"//:tgt#gen",
		"cache.java",
		"cache.tmp.java",
	} {
		assertSpec(spec)
		assertSpec("-" + spec)
	}

	// Bare names read as goals until something on disk matches them.
	for _, name := range []string{"foo", "a_b_c"} {
		assertUnknownGoal(name)
		writeFile(t, buildRoot, name, "")
		assertSpec(name)
		assertSpec("-" + name)
	}
}

func TestArgSplitterValidSplits(t *testing.T) {
	assert := func(goals, specs []string, flags []Flag, commandLine string) {
		require.Equal(t, options.Command{
			Goals: goals,
			Specs: specs,
			Flags: flags,
		}, splitCommandLine(t, t.TempDir(), commandLine), "command line: %q", commandLine)
	}

	checkScope := options.NamedScope("check")
	testScope := options.NamedScope("test")

	assert(
		[]string{"check", "test"},
		[]string{
			"src/java/org/pantsbuild/foo",
			"-src/java/org/pantsbuild/foo/ignore.py",
			"src/java/org/pantsbuild/bar:baz",
			"-folder::",
		},
		[]Flag{
			{Context: options.GlobalScope, Key: "--check-long-flag"},
			{Context: options.GlobalScope, Key: "--gg"},
			{Context: options.GlobalScope, Key: "-l", Value: strPtr("trace")},
			{Context: checkScope, Key: "--cc"},
			{Context: testScope, Key: "--ii"},
		},
		"pants --check-long-flag --gg -ltrace check --cc test --ii "+
			"src/java/org/pantsbuild/foo -src/java/org/pantsbuild/foo/ignore.py "+
			"src/java/org/pantsbuild/bar:baz -folder::")

	assert(
		[]string{"check", "test"},
		[]string{
			"-how/about/ignoring/this/spec",
			"src/java/org/pantsbuild/foo",
			"src/java/org/pantsbuild/bar:baz",
		},
		[]Flag{
			{Context: options.GlobalScope, Key: "--fff", Value: strPtr("arg")},
			{Context: checkScope, Key: "--gg-gg", Value: strPtr("arg-arg")},
			{Context: testScope, Key: "--iii"},
			{Context: testScope, Key: "--check-long-flag"},
			{Context: options.GlobalScope, Key: "-l", Value: strPtr("trace")},
			{Context: options.GlobalScope, Key: "--another-global"},
		},
		"pants -how/about/ignoring/this/spec --fff=arg check --gg-gg=arg-arg test --iii "+
			"--check-long-flag src/java/org/pantsbuild/foo src/java/org/pantsbuild/bar:baz "+
			"-ltrace --another-global")

	// Goals vs specs.
	assert([]string{"check", "test"}, []string{"foo::"}, nil, "pants check test foo::")
	assert([]string{"check"}, []string{"test:test"}, nil, "pants check test:test")
	assert([]string{"test"}, []string{"test:test"}, nil, "pants test test:test")
	assert([]string{"test"}, []string{"./test"}, nil, "pants test ./test")
	assert([]string{"test"}, []string{"//test"}, nil, "pants test //test")
	assert([]string{"test"}, []string{"test/test.txt"}, nil, "pants test test/test.txt")
	assert([]string{"test"}, []string{"."}, nil, "pants test .")
	assert([]string{"test"}, []string{"*"}, nil, "pants test *")
	assert([]string{"test"}, []string{"-"}, nil, "pants test -")
	assert([]string{"test"}, []string{"-a/b"}, nil, "pants test -a/b")
	assert([]string{"test"}, []string{"check.java"}, nil, "pants test check.java")
}

func TestArgSplitterPassthru(t *testing.T) {
	buildRoot := t.TempDir()

	require.Equal(t, options.Command{
		Goals:    []string{"test"},
		Specs:    []string{"foo/bar"},
		Passthru: []string{"-t", "this is the arg"},
	}, splitCommandLine(t, buildRoot, "pants test foo/bar -- -t 'this is the arg'"))

	// A trailing "--" is present-but-empty, distinct from absent.
	command := splitCommandLine(t, buildRoot,
		"pants -lerror --fff=arg check --gg-gg=arg-arg --check-long-flag src/java/org/pantsbuild/foo --")
	require.NotNil(t, command.Passthru)
	require.Empty(t, command.Passthru)
	require.Equal(t, []string{"check"}, command.Goals)
	require.Equal(t, []Flag{
		{Context: options.GlobalScope, Key: "-l", Value: strPtr("error")},
		{Context: options.GlobalScope, Key: "--fff", Value: strPtr("arg")},
		{Context: options.NamedScope("check"), Key: "--gg-gg", Value: strPtr("arg-arg")},
		{Context: options.NamedScope("check"), Key: "--check-long-flag"},
	}, command.Flags)

	// Flag-like tokens after "--" are not interpreted.
	command = splitCommandLine(t, buildRoot, "pants test -- passthru1 passthru2 -linfo")
	require.Equal(t, []string{"passthru1", "passthru2", "-linfo"}, command.Passthru)
	require.Empty(t, command.Flags)
}

func TestArgSplitterSimple(t *testing.T) {
	buildRoot := t.TempDir()

	require.Equal(t, options.Command{
		BuiltinOrAuxiliaryGoal: options.NoGoalName,
	}, splitCommandLine(t, buildRoot, "pants"))

	require.Equal(t, options.Command{
		BuiltinOrAuxiliaryGoal: "help",
	}, splitCommandLine(t, buildRoot, "pants help"))

	require.Equal(t, options.Command{
		Goals: []string{"fmt", "check"},
		Specs: []string{"::"},
	}, splitCommandLine(t, buildRoot, "pants fmt check ::"))

	require.Equal(t, options.Command{
		Goals: []string{"fmt", "check"},
		Specs: []string{"path/to/dir", "file.py", ":target"},
		Flags: []Flag{
			{Context: options.GlobalScope, Key: "-l", Value: strPtr("debug")},
			{Context: options.GlobalScope, Key: "--global-flag1"},
			{Context: options.GlobalScope, Key: "--global-flag2", Value: strPtr("val")},
			{Context: options.NamedScope("fmt"), Key: "--scoped-flag1"},
			{Context: options.NamedScope("check"), Key: "--scoped-flag2"},
		},
	}, splitCommandLine(t, buildRoot,
		"pants -ldebug --global-flag1 --global-flag2=val fmt --scoped-flag1 check --scoped-flag2 path/to/dir file.py :target"))

	require.Equal(t, options.Command{
		BuiltinOrAuxiliaryGoal: "help",
	}, splitCommandLine(t, buildRoot, "pants -h"))

	require.Equal(t, options.Command{
		BuiltinOrAuxiliaryGoal: "help",
		Goals:                  []string{"test"},
	}, splitCommandLine(t, buildRoot, "pants test --help"))
}

func TestArgSplitterShortFlags(t *testing.T) {
	buildRoot := t.TempDir()

	require.Equal(t, options.Command{
		Goals: []string{"run"},
		Specs: []string{"path/to:bin"},
		Flags: []Flag{
			{Context: options.GlobalScope, Key: "-l", Value: strPtr("warn")},
		},
	}, splitCommandLine(t, buildRoot, "pants -lwarn run path/to:bin"))

	// An unknown short flag reads as a negative spec.
	require.Equal(t, options.Command{
		Goals: []string{"run"},
		Specs: []string{"-x", "path/to:bin"},
	}, splitCommandLine(t, buildRoot, "pants -x run path/to:bin"))
}

func TestArgSplitterHelp(t *testing.T) {
	buildRoot := t.TempDir()
	assertBuiltin := func(builtin, commandLine string, goals, specs []string) {
		require.Equal(t, options.Command{
			BuiltinOrAuxiliaryGoal: builtin,
			Goals:                  goals,
			Specs:                  specs,
		}, splitCommandLine(t, buildRoot, commandLine), "command line: %q", commandLine)
	}

	assertBuiltin("help", "pants help", nil, nil)
	assertBuiltin("help", "pants -h", nil, nil)
	assertBuiltin("help", "pants --help", nil, nil)
	assertBuiltin("help", "pants help test", []string{"test"}, nil)
	assertBuiltin("help", "pants test help", []string{"test"}, nil)
	assertBuiltin("help", "pants test --help", []string{"test"}, nil)
	assertBuiltin("help", "pants --help test", []string{"test"}, nil)
	assertBuiltin("help", "pants test --help check", []string{"test", "check"}, nil)
	assertBuiltin("help", "pants test src/foo/bar:baz -h", []string{"test"}, []string{"src/foo/bar:baz"})
	assertBuiltin("help", "pants help src/foo/bar:baz", nil, []string{"src/foo/bar:baz"})

	assertBuiltin("help-advanced", "pants help-advanced", nil, nil)
	assertBuiltin("help-advanced", "pants --help-advanced", nil, nil)
	assertBuiltin("help-advanced", "pants test help-advanced check", []string{"test", "check"}, nil)
	assertBuiltin("help-advanced", "pants --help-advanced test check", []string{"test", "check"}, nil)
	assertBuiltin("help-advanced", "pants test help-advanced src/foo/bar:baz", []string{"test"}, []string{"src/foo/bar:baz"})

	// The slot goes to the first builtin; later ones are plain goals.
	assertBuiltin("help", "pants help help-advanced", []string{"help-advanced"}, nil)
	assertBuiltin("help-advanced", "pants help-advanced help", []string{"help"}, nil)
	assertBuiltin("help", "pants --help help-advanced", []string{"help-advanced"}, nil)
	assertBuiltin("help-advanced", "pants --help-advanced help", []string{"help"}, nil)

	assertBuiltin("help-all", "pants help-all", nil, nil)
}

func TestArgSplitterAuxiliaryGoal(t *testing.T) {
	buildRoot := t.TempDir()

	require.Equal(t, options.Command{
		BuiltinOrAuxiliaryGoal: "bsp",
	}, splitCommandLine(t, buildRoot, "pants bsp"))

	// A builtin goal displaces an auxiliary one from the slot.
	require.Equal(t, options.Command{
		BuiltinOrAuxiliaryGoal: "help",
		Goals:                  []string{"bsp"},
	}, splitCommandLine(t, buildRoot, "pants bsp help"))
}

func TestArgSplitterEndToEnd(t *testing.T) {
	command := splitCommandLine(t, t.TempDir(), "pants -ldebug check test src/foo:bar -- --x")
	require.Equal(t, options.Command{
		Goals: []string{"check", "test"},
		Specs: []string{"src/foo:bar"},
		Flags: []Flag{
			{Context: options.GlobalScope, Key: "-l", Value: strPtr("debug")},
		},
		Passthru: []string{"--x"},
	}, command)

	// The split flags feed straight into option resolution.
	source := options.NewFlagsSource(command.Flags, options.NewFromfileExpander(""))
	level, found, err := source.GetString(options.IDWithShort('l', options.GlobalScope, "level"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "debug", level)
}
