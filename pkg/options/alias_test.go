package options_test

import (
	"testing"

	"github.com/forgebuild/forge/pkg/options"
	"github.com/stretchr/testify/require"
)

func TestAliasMapExpansion(t *testing.T) {
	m, err := options.NewAliasMap(map[string]string{
		"green":   "fmt check",
		"--noisy": "--global-level=debug",
	}, testGoals(), nil)
	require.NoError(t, err)

	t.Run("GoalAlias", func(t *testing.T) {
		require.Equal(t,
			[]string{"fmt", "check", "src::"},
			m.ExpandArgs([]string{"green", "src::"}))
	})

	t.Run("FlagAlias", func(t *testing.T) {
		require.Equal(t,
			[]string{"--global-level=debug", "test"},
			m.ExpandArgs([]string{"--noisy", "test"}))
	})

	t.Run("UnknownTokensUntouched", func(t *testing.T) {
		require.Equal(t,
			[]string{"test", "src/foo:bar", "--keep-sandboxes=always"},
			m.ExpandArgs([]string{"test", "src/foo:bar", "--keep-sandboxes=always"}))
	})

	t.Run("PassthruUntouched", func(t *testing.T) {
		require.Equal(t,
			[]string{"test", "--", "green", "--noisy"},
			m.ExpandArgs([]string{"test", "--", "green", "--noisy"}))
	})
}

func TestAliasMapParametrized(t *testing.T) {
	m, err := options.NewAliasMap(map[string]string{
		"--shot=LEVEL": "--global-level=LEVEL --global-show-log-target",
	}, testGoals(), nil)
	require.NoError(t, err)

	require.Equal(t,
		[]string{"--global-level=warn", "--global-show-log-target", "test"},
		m.ExpandArgs([]string{"--shot=warn", "test"}))

	// Without the parameter the alias does not apply.
	require.Equal(t, []string{"--shot"}, m.ExpandArgs([]string{"--shot"}))
}

func TestAliasMapNestedExpansion(t *testing.T) {
	m, err := options.NewAliasMap(map[string]string{
		"basic":          "fmt check",
		"full":           "basic test",
		"--verbose-full": "--global-level=debug full",
	}, testGoals(), nil)
	require.NoError(t, err)

	// Definitions referencing other aliases are expanded up front, so
	// one pass over argv suffices.
	require.Equal(t,
		[]string{"--global-level=debug", "fmt", "check", "test", "src::"},
		m.ExpandArgs([]string{"--verbose-full", "src::"}))

	once := m.ExpandArgs([]string{"full"})
	require.Equal(t, once, m.ExpandArgs(once))
}

func TestAliasMapCycle(t *testing.T) {
	_, err := options.NewAliasMap(map[string]string{
		"alpha": "beta src::",
		"beta":  "gamma",
		"gamma": "alpha",
	}, testGoals(), nil)
	require.ErrorContains(t, err, "CLI alias cycle detected")
	require.ErrorContains(t, err, " -> ")

	_, err = options.NewAliasMap(map[string]string{"selfie": "selfie"}, testGoals(), nil)
	require.ErrorContains(t, err, "selfie -> selfie")
}

func TestAliasMapShadowing(t *testing.T) {
	_, err := options.NewAliasMap(map[string]string{"test": "fmt"}, testGoals(), nil)
	require.ErrorContains(t, err, "conflicts with the goal")

	_, err = options.NewAliasMap(map[string]string{"-h": "fmt"}, testGoals(), nil)
	require.Error(t, err)

	_, err = options.NewAliasMap(
		map[string]string{"--keep-sandboxes": "--global-keep-sandboxes=always"},
		testGoals(),
		map[string]bool{"--keep-sandboxes": true})
	require.ErrorContains(t, err, "conflicts with the flag")

	_, err = options.NewAliasMap(map[string]string{"bad alias!": "fmt"}, testGoals(), nil)
	require.ErrorContains(t, err, "Invalid alias name")
}
