package options

import (
	"log"
	"strings"
	"unicode/utf8"
)

// EnvSource reads option values from environment variables of the form
// PANTS_<SCOPE>_<NAME>, with PANTS_<NAME> also recognized for global
// options.
type EnvSource struct {
	env      map[string]string
	expander *FromfileExpander
}

// NewEnvSource creates a source from "KEY=VALUE" pairs as returned by
// os.Environ. Entries that are not valid UTF-8 are dropped with a
// warning.
func NewEnvSource(environ []string, expander *FromfileExpander) *EnvSource {
	env := make(map[string]string, len(environ))
	for _, entry := range environ {
		if !utf8.ValidString(entry) {
			log.Printf("Dropping environment variable that is not valid UTF-8: %q", entry)
			continue
		}
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		env[key] = value
	}
	return &EnvSource{env: env, expander: expander}
}

func (s *EnvSource) Display(id OptionID) string {
	names := id.EnvNames()
	return names[len(names)-1]
}

func (s *EnvSource) lookup(id OptionID) (string, bool) {
	for _, name := range id.EnvNames() {
		if value, ok := s.env[name]; ok {
			return value, true
		}
	}
	return "", false
}

func (s *EnvSource) GetString(id OptionID) (string, bool, error) {
	value, found := s.lookup(id)
	if !found {
		return "", false, nil
	}
	expanded, found, err := s.expander.Expand(value)
	if err != nil {
		return "", false, renderSourceError(err, s.Display(id))
	}
	return expanded, found, nil
}

func (s *EnvSource) GetBool(id OptionID) (bool, bool, error) {
	value, found, err := s.GetString(id)
	if err != nil || !found {
		return false, false, err
	}
	parsed, err := ParseBool(value)
	if err != nil {
		return false, false, renderSourceError(err, s.Display(id))
	}
	return parsed, true, nil
}

func (s *EnvSource) GetInt(id OptionID) (int64, bool, error) {
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

func (s *EnvSource) GetFloat(id OptionID) (float64, bool, error) {
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

func getEnvList[T comparable](s *EnvSource, id OptionID, parseList func(string) ([]ListEdit[T], error), fromAny func(any) (T, error)) ([]ListEdit[T], error) {
	value, found := s.lookup(id)
	if !found {
		return nil, nil
	}
	edits, found, err := expandToList(s.expander, value, parseList, fromAny)
	if err != nil {
		return nil, renderSourceError(err, s.Display(id))
	}
	if !found {
		return nil, nil
	}
	return edits, nil
}

func (s *EnvSource) GetBoolList(id OptionID) ([]ListEdit[bool], error) {
	return getEnvList(s, id, ParseBoolListEdits, boolFromAny)
}

func (s *EnvSource) GetIntList(id OptionID) ([]ListEdit[int64], error) {
	return getEnvList(s, id, ParseIntListEdits, intFromAny)
}

func (s *EnvSource) GetFloatList(id OptionID) ([]ListEdit[float64], error) {
	return getEnvList(s, id, ParseFloatListEdits, floatFromAny)
}

func (s *EnvSource) GetStringList(id OptionID) ([]ListEdit[string], error) {
	return getEnvList(s, id, ParseStringListEdits, stringFromAny)
}

func (s *EnvSource) GetDict(id OptionID) ([]DictEdit, error) {
	value, found := s.lookup(id)
	if !found {
		return nil, nil
	}
	edits, found, err := expandToDict(s.expander, value)
	if err != nil {
		return nil, renderSourceError(err, s.Display(id))
	}
	if !found {
		return nil, nil
	}
	return edits, nil
}
