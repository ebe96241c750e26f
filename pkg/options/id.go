package options

import (
	"fmt"
	"strings"
)

// Scope identifies the subsystem a group of options belongs to. The
// zero value is the global scope.
type Scope struct {
	name string
}

// GlobalScope holds options that apply to the process as a whole.
var GlobalScope = Scope{}

// NamedScope returns the scope for a named subsystem.
func NamedScope(name string) Scope {
	return Scope{name: name}
}

func (s Scope) IsGlobal() bool {
	return s.name == ""
}

// Name returns the scope's config section name, which is "GLOBAL" for
// the global scope.
func (s Scope) Name() string {
	if s.name == "" {
		return "GLOBAL"
	}
	return s.name
}

func (s Scope) String() string {
	return s.Name()
}

// OptionID names a single option: a scope, one or more name
// components, and an optional single-character short name. The same id
// renders differently on the command line, in the environment and in
// config files.
type OptionID struct {
	Scope     Scope
	NameParts []string
	Short     rune
}

// ID constructs an OptionID. It panics if no name components are
// given, as ids are built from static program text.
func ID(scope Scope, nameParts ...string) OptionID {
	if len(nameParts) == 0 {
		panic("option ids must have at least one name component")
	}
	for _, part := range nameParts {
		if part == "" {
			panic(fmt.Sprintf("option id %v has an empty name component", nameParts))
		}
	}
	return OptionID{Scope: scope, NameParts: nameParts}
}

// IDWithShort constructs an OptionID that also has a short flag name.
func IDWithShort(short rune, scope Scope, nameParts ...string) OptionID {
	id := ID(scope, nameParts...)
	id.Short = short
	return id
}

// FlagName renders the id as a command line flag, e.g.
// "--my-scope-some-name" for option "some_name" in scope "my-scope".
func (id OptionID) FlagName() string {
	parts := make([]string, 0, len(id.NameParts)+1)
	if !id.Scope.IsGlobal() {
		parts = append(parts, id.Scope.name)
	}
	for _, part := range id.NameParts {
		parts = append(parts, strings.ReplaceAll(part, "_", "-"))
	}
	return "--" + strings.Join(parts, "-")
}

// ShortFlagName renders the short form, e.g. "-l", or "" if the id has
// no short name.
func (id OptionID) ShortFlagName() string {
	if id.Short == 0 {
		return ""
	}
	return "-" + string(id.Short)
}

// EnvNames renders the environment variable names recognized for this
// id, in lookup order. Global options are recognized both with and
// without the GLOBAL infix.
func (id OptionID) EnvNames() []string {
	suffix := strings.ToUpper(envComponent(strings.Join(id.NameParts, "_")))
	if id.Scope.IsGlobal() {
		return []string{"PANTS_GLOBAL_" + suffix, "PANTS_" + suffix}
	}
	return []string{"PANTS_" + strings.ToUpper(envComponent(id.Scope.name)) + "_" + suffix}
}

func envComponent(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "-", "_"), ".", "_")
}

// ConfigKey renders the option name as it appears as a key within the
// scope's config file section.
func (id OptionID) ConfigKey() string {
	parts := make([]string, 0, len(id.NameParts))
	for _, part := range id.NameParts {
		parts = append(parts, strings.ReplaceAll(part, "-", "_"))
	}
	return strings.Join(parts, "_")
}

func (id OptionID) String() string {
	return fmt.Sprintf("[%s] %s", id.Scope.Name(), id.ConfigKey())
}
