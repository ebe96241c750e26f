package options

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Flag is one parsed command line flag, as produced by the arg
// splitter. Context is the scope the flag appeared in: global before
// the first goal, or the scope of the most recent goal. Value is nil
// for bare flags like "--foo".
type Flag struct {
	Context Scope
	Key     string
	Value   *string
}

// FlagsSource reads option values from parsed command line flags. It
// is the highest-precedence source.
type FlagsSource struct {
	flags    []Flag
	expander *FromfileExpander
}

func NewFlagsSource(flags []Flag, expander *FromfileExpander) *FlagsSource {
	return &FlagsSource{flags: flags, expander: expander}
}

func unscopedFlagName(id OptionID) string {
	parts := make([]string, 0, len(id.NameParts))
	for _, part := range id.NameParts {
		parts = append(parts, strings.ReplaceAll(part, "_", "-"))
	}
	return "--" + strings.Join(parts, "-")
}

// flagMatches reports whether f supplies a value for id, and whether
// it does so through the negated --no- form.
func flagMatches(f Flag, id OptionID) (matched bool, negated bool) {
	unscoped := unscopedFlagName(id)
	if f.Context == id.Scope {
		switch f.Key {
		case unscoped:
			return true, false
		case "--no-" + unscoped[2:]:
			return true, true
		}
	}
	if scoped := id.FlagName(); f.Context.IsGlobal() {
		switch f.Key {
		case scoped:
			return true, false
		case "--no-" + scoped[2:]:
			return true, true
		}
	}
	if id.Short != 0 && f.Key == id.ShortFlagName() &&
		(f.Context.IsGlobal() || f.Context == id.Scope) {
		return true, false
	}
	return false, false
}

func (s *FlagsSource) Display(id OptionID) string {
	return id.FlagName()
}

// lastMatch returns the highest-precedence occurrence of id, which for
// repeated scalar flags is the last one given.
func (s *FlagsSource) lastMatch(id OptionID) (Flag, bool, bool) {
	var match Flag
	found, negated := false, false
	for _, f := range s.flags {
		if m, n := flagMatches(f, id); m {
			match, found, negated = f, true, n
		}
	}
	return match, found, negated
}

func (s *FlagsSource) GetString(id OptionID) (string, bool, error) {
	f, found, negated := s.lastMatch(id)
	if !found || negated {
		return "", false, nil
	}
	if f.Value == nil {
		return "", false, status.Errorf(codes.InvalidArgument, "Expected a value for %s", s.Display(id))
	}
	expanded, found, err := s.expander.Expand(*f.Value)
	if err != nil {
		return "", false, renderSourceError(err, s.Display(id))
	}
	return expanded, found, nil
}

func (s *FlagsSource) GetBool(id OptionID) (bool, bool, error) {
	f, found, negated := s.lastMatch(id)
	if !found {
		return false, false, nil
	}
	if f.Value == nil {
		return !negated, true, nil
	}
	expanded, found, err := s.expander.Expand(*f.Value)
	if err != nil {
		return false, false, renderSourceError(err, s.Display(id))
	}
	if !found {
		return false, false, nil
	}
	value, err := ParseBool(expanded)
	if err != nil {
		return false, false, renderSourceError(err, s.Display(id))
	}
	if negated {
		value = !value
	}
	return value, true, nil
}

func (s *FlagsSource) GetInt(id OptionID) (int64, bool, error) {
	value, found, err := s.GetString(id)
	if err != nil || !found {
		return 0, false, err
	}
	parsed, err := ParseInt(value)
	if err != nil {
		return 0, false, renderSourceError(err, s.Display(id))
	}
	return parsed, true, nil
}

func (s *FlagsSource) GetFloat(id OptionID) (float64, bool, error) {
	value, found, err := s.GetString(id)
	if err != nil || !found {
		return 0, false, err
	}
	parsed, err := parseFloatOrInt(value)
	if err != nil {
		return 0, false, renderSourceError(err, s.Display(id))
	}
	return parsed, true, nil
}

// getFlagList collects list edits from every occurrence of id, in the
// order given, so that repeated flags accumulate.
func getFlagList[T comparable](s *FlagsSource, id OptionID, parseList func(string) ([]ListEdit[T], error), fromAny func(any) (T, error)) ([]ListEdit[T], error) {
	var edits []ListEdit[T]
	for _, f := range s.flags {
		matched, negated := flagMatches(f, id)
		if !matched || negated {
			continue
		}
		if f.Value == nil {
			return nil, status.Errorf(codes.InvalidArgument, "Expected a value for %s", s.Display(id))
		}
		flagEdits, found, err := expandToList(s.expander, *f.Value, parseList, fromAny)
		if err != nil {
			return nil, renderSourceError(err, s.Display(id))
		}
		if found {
			edits = append(edits, flagEdits...)
		}
	}
	return edits, nil
}

func (s *FlagsSource) GetBoolList(id OptionID) ([]ListEdit[bool], error) {
	return getFlagList(s, id, ParseBoolListEdits, boolFromAny)
}

func (s *FlagsSource) GetIntList(id OptionID) ([]ListEdit[int64], error) {
	return getFlagList(s, id, ParseIntListEdits, intFromAny)
}

func (s *FlagsSource) GetFloatList(id OptionID) ([]ListEdit[float64], error) {
	return getFlagList(s, id, ParseFloatListEdits, floatFromAny)
}

func (s *FlagsSource) GetStringList(id OptionID) ([]ListEdit[string], error) {
	return getFlagList(s, id, ParseStringListEdits, stringFromAny)
}

func (s *FlagsSource) GetDict(id OptionID) ([]DictEdit, error) {
	var edits []DictEdit
	for _, f := range s.flags {
		matched, negated := flagMatches(f, id)
		if !matched || negated {
			continue
		}
		if f.Value == nil {
			return nil, status.Errorf(codes.InvalidArgument, "Expected a value for %s", s.Display(id))
		}
		flagEdits, found, err := expandToDict(s.expander, *f.Value)
		if err != nil {
			return nil, renderSourceError(err, s.Display(id))
		}
		if found {
			edits = append(edits, flagEdits...)
		}
	}
	return edits, nil
}
