package options

import (
	"regexp"
	"strings"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/kballard/go-shellquote"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// An alias definition name is a bare word or a flag, optionally
// carrying an uppercase metavariable that captures a parameter from
// the use site.
var aliasNamePattern = regexp.MustCompile(`^(--)?([a-zA-Z0-9_-]+)(?:=([A-Z_]+))?$`)

type aliasDefinition struct {
	// The parameter name substituted into the replacement tokens, or
	// "" when the alias takes no parameter.
	metavar string
	tokens  []string
}

// AliasMap rewrites argv according to configured CLI aliases before
// any option parsing happens. Definitions are expanded against each
// other at construction time, so that applying the map once yields a
// fully expanded command line.
type AliasMap struct {
	definitions map[string]aliasDefinition
}

// NewAliasMap builds an alias map from definitions of the form
// {"green": "fmt check", "--shot=LEVEL": "--global-level=LEVEL"}. An
// alias may not shadow a registered goal or flag, and definitions may
// not form a cycle.
func NewAliasMap(definitions map[string]string, knownGoals []GoalInfo, knownFlagNames map[string]bool) (*AliasMap, error) {
	goalNames := make(map[string]bool, len(knownGoals))
	for _, goal := range knownGoals {
		goalNames[goal.Name] = true
		for _, alias := range goal.Aliases {
			goalNames[alias] = true
		}
	}

	parsed := make(map[string]aliasDefinition, len(definitions))
	for name, replacement := range definitions {
		groups := aliasNamePattern.FindStringSubmatch(name)
		if groups == nil {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid alias name %#v", name)
		}
		key := groups[1] + groups[2]
		if goalNames[key] {
			return nil, status.Errorf(codes.InvalidArgument,
				"Alias %#v conflicts with the goal of the same name", key)
		}
		if knownFlagNames[key] {
			return nil, status.Errorf(codes.InvalidArgument,
				"Alias %#v conflicts with the flag of the same name", key)
		}
		tokens, err := shellquote.Split(replacement)
		if err != nil {
			return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument,
				"Invalid replacement %#v for alias %#v", replacement, name)
		}
		parsed[key] = aliasDefinition{metavar: groups[3], tokens: tokens}
	}

	m := &AliasMap{definitions: make(map[string]aliasDefinition, len(parsed))}
	for key := range parsed {
		expanded, err := expandAliasDefinition(parsed, key, nil)
		if err != nil {
			return nil, err
		}
		m.definitions[key] = aliasDefinition{
			metavar: parsed[key].metavar,
			tokens:  expanded,
		}
	}
	return m, nil
}

// expandAliasDefinition expands aliases referenced from the definition
// of key, detecting reference cycles.
func expandAliasDefinition(definitions map[string]aliasDefinition, key string, path []string) ([]string, error) {
	for _, ancestor := range path {
		if ancestor == key {
			return nil, status.Errorf(codes.InvalidArgument,
				"CLI alias cycle detected: %s", strings.Join(append(path, key), " -> "))
		}
	}
	path = append(path, key)
	var expanded []string
	for _, token := range definitions[key].tokens {
		name, value, hasValue := strings.Cut(token, "=")
		if definition, ok := definitions[token]; ok && definition.metavar == "" {
			tokens, err := expandAliasDefinition(definitions, token, path)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, tokens...)
		} else if definition, ok := definitions[name]; ok && hasValue && definition.metavar != "" {
			tokens, err := expandAliasDefinition(definitions, name, path)
			if err != nil {
				return nil, err
			}
			expanded = append(expanded, substituteMetavar(tokens, definition.metavar, value)...)
		} else {
			expanded = append(expanded, token)
		}
	}
	return expanded, nil
}

func substituteMetavar(tokens []string, metavar, value string) []string {
	substituted := make([]string, 0, len(tokens))
	for _, token := range tokens {
		substituted = append(substituted, strings.ReplaceAll(token, metavar, value))
	}
	return substituted
}

// ExpandArgs rewrites args, splicing in alias replacements. Tokens
// after a "--" separator are left untouched.
func (m *AliasMap) ExpandArgs(args []string) []string {
	expanded := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(expanded, args[i:]...)
		}
		if definition, ok := m.definitions[arg]; ok && definition.metavar == "" {
			expanded = append(expanded, definition.tokens...)
			continue
		}
		if name, value, hasValue := strings.Cut(arg, "="); hasValue {
			if definition, ok := m.definitions[name]; ok && definition.metavar != "" {
				expanded = append(expanded, substituteMetavar(definition.tokens, definition.metavar, value)...)
				continue
			}
		}
		expanded = append(expanded, arg)
	}
	return expanded
}
