package options

import (
	"fmt"
	"os"
	"regexp"

	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/pelletier/go-toml/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// defaultSection is the config file section whose values seed every
// other section, both as values and as interpolation placeholders.
const defaultSection = "DEFAULT"

var placeholderPattern = regexp.MustCompile(`%\(([a-zA-Z0-9_.]+)\)s`)

// ConfigSource is the raw contents of one config file.
type ConfigSource struct {
	Path    string
	Content []byte
}

// ConfigSourceFromFile reads a config file from disk.
func ConfigSourceFromFile(path string) (ConfigSource, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ConfigSource{}, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to read config file %#v", path)
	}
	return ConfigSource{Path: path, Content: content}, nil
}

// Config is a parsed and interpolated TOML config file: a map from
// section name to the options in that section.
type Config struct {
	path     string
	sections map[string]map[string]any
}

// interpolateString expands %(name)s placeholders, recursing because a
// replacement may itself contain placeholders.
func interpolateString(value string, replacements map[string]string) (string, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(value, -1)
	if len(matches) == 0 {
		return value, nil
	}
	var result []byte
	last := 0
	for _, m := range matches {
		result = append(result, value[last:m[0]]...)
		name := value[m[2]:m[3]]
		replacement, ok := replacements[name]
		if !ok {
			return "", fmt.Errorf("unknown value for placeholder `%s`", name)
		}
		result = append(result, replacement...)
		last = m[1]
	}
	result = append(result, value[last:]...)
	return interpolateString(string(result), replacements)
}

func interpolateValue(value any, replacements map[string]string) (any, error) {
	switch v := value.(type) {
	case string:
		return interpolateString(v, replacements)
	case []any:
		for i, item := range v {
			interpolated, err := interpolateValue(item, replacements)
			if err != nil {
				return nil, err
			}
			v[i] = interpolated
		}
		return v, nil
	case map[string]any:
		for k, item := range v {
			interpolated, err := interpolateValue(item, replacements)
			if err != nil {
				return nil, err
			}
			v[k] = interpolated
		}
		return v, nil
	default:
		return value, nil
	}
}

// ParseConfig parses a TOML config file. String values from the
// DEFAULT section and the seed values are available as %(name)s
// interpolation placeholders in every section.
func ParseConfig(source ConfigSource, seedValues map[string]string) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(source.Content, &raw); err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Failed to parse config file %#v", source.Path)
	}

	defaultReplacements := make(map[string]string, len(seedValues))
	for k, v := range seedValues {
		defaultReplacements[k] = v
	}
	if defaults, ok := raw[defaultSection].(map[string]any); ok {
		for k, v := range defaults {
			if s, ok := v.(string); ok {
				defaultReplacements[k] = s
			}
		}
	}

	sections := make(map[string]map[string]any, len(raw))
	for sectionName, sectionValue := range raw {
		section, ok := sectionValue.(map[string]any)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument,
				"Expected config file %#v to contain tables per section, but section %s contained a %T",
				source.Path, sectionName, sectionValue)
		}
		replacements := defaultReplacements
		if sectionName != defaultSection {
			replacements = make(map[string]string, len(defaultReplacements))
			for k, v := range defaultReplacements {
				replacements[k] = v
			}
			for k, v := range section {
				if s, ok := v.(string); ok {
					replacements[k] = s
				}
			}
		}
		for key, value := range section {
			interpolated, err := interpolateValue(value, replacements)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument,
					"%s in config file %#v, section %s, key %s", err, source.Path, sectionName, key)
			}
			section[key] = interpolated
		}
		sections[sectionName] = section
	}
	return &Config{path: source.Path, sections: sections}, nil
}

// ConfigReader reads option values from a parsed config file.
type ConfigReader struct {
	config   *Config
	expander *FromfileExpander
}

func NewConfigReader(config *Config, expander *FromfileExpander) *ConfigReader {
	return &ConfigReader{config: config, expander: expander}
}

// Path returns the path of the underlying config file.
func (s *ConfigReader) Path() string {
	return s.config.path
}

// Validate checks every section and key against the registry of valid
// keys per section, returning one message per violation.
func (s *ConfigReader) Validate(sectionToValidKeys map[string]map[string]bool) []string {
	var errors []string
	for sectionName, section := range s.config.sections {
		if sectionName == defaultSection {
			continue
		}
		validKeys, ok := sectionToValidKeys[sectionName]
		if !ok {
			errors = append(errors, fmt.Sprintf("Invalid table name [%s]", sectionName))
			continue
		}
		for key := range section {
			if !validKeys[key] {
				errors = append(errors, fmt.Sprintf("Invalid option '%s' under [%s]", key, sectionName))
			}
		}
	}
	return errors
}

func (s *ConfigReader) Display(id OptionID) string {
	return id.String()
}

func (s *ConfigReader) getFromSection(sectionName string, id OptionID) (any, bool) {
	section, ok := s.config.sections[sectionName]
	if !ok {
		return nil, false
	}
	value, ok := section[id.ConfigKey()]
	return value, ok
}

// getValue finds the raw value for id, preferring the scoped section
// over DEFAULT.
func (s *ConfigReader) getValue(id OptionID) (any, bool) {
	if value, ok := s.getFromSection(id.Scope.Name(), id); ok {
		return value, true
	}
	return s.getFromSection(defaultSection, id)
}

func (s *ConfigReader) GetString(id OptionID) (string, bool, error) {
	value, ok := s.getValue(id)
	if !ok {
		return "", false, nil
	}
	str, ok := value.(string)
	if !ok {
		return "", false, status.Errorf(codes.InvalidArgument, "Expected %s to be a string but given %v", id, value)
	}
	expanded, found, err := s.expander.Expand(str)
	if err != nil {
		return "", false, renderSourceError(err, s.Display(id))
	}
	return expanded, found, nil
}

func (s *ConfigReader) GetBool(id OptionID) (bool, bool, error) {
	value, ok := s.getValue(id)
	if !ok {
		return false, false, nil
	}
	switch v := value.(type) {
	case bool:
		return v, true, nil
	case string:
		expanded, found, err := s.expander.Expand(v)
		if err != nil || !found {
			return false, false, err
		}
		parsed, err := ParseBool(expanded)
		if err != nil {
			return false, false, renderSourceError(err, s.Display(id))
		}
		return parsed, true, nil
	default:
		return false, false, status.Errorf(codes.InvalidArgument, "Expected %s to be a bool but given %v", id, value)
	}
}

func (s *ConfigReader) GetInt(id OptionID) (int64, bool, error) {
	value, ok := s.getValue(id)
	if !ok {
		return 0, false, nil
	}
	switch v := value.(type) {
	case int64:
		return v, true, nil
	case string:
		expanded, found, err := s.expander.Expand(v)
		if err != nil || !found {
			return 0, false, err
		}
		parsed, err := ParseInt(expanded)
		if err != nil {
			return 0, false, renderSourceError(err, s.Display(id))
		}
		return parsed, true, nil
	default:
		return 0, false, status.Errorf(codes.InvalidArgument, "Expected %s to be an int but given %v", id, value)
	}
}

func (s *ConfigReader) GetFloat(id OptionID) (float64, bool, error) {
	value, ok := s.getValue(id)
	if !ok {
		return 0, false, nil
	}
	switch v := value.(type) {
	case float64:
		return v, true, nil
	case int64:
		return float64(v), true, nil
	case string:
		expanded, found, err := s.expander.Expand(v)
		if err != nil || !found {
			return 0, false, err
		}
		parsed, err := parseFloatOrInt(expanded)
		if err != nil {
			return 0, false, renderSourceError(err, s.Display(id))
		}
		return parsed, true, nil
	default:
		return 0, false, status.Errorf(codes.InvalidArgument, "Expected %s to be a float but given %v", id, value)
	}
}

func extractConfigList[T comparable](id OptionID, value any, fromAny func(any) (T, error)) ([]T, error) {
	array, ok := value.([]any)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "Expected %s to be a toml array, but given %v", id, value)
	}
	items := make([]T, 0, len(array))
	for _, raw := range array {
		item, err := fromAny(raw)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "In array value of %s: %s", id, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func getConfigListFromSection[T comparable](
	s *ConfigReader,
	sectionName string,
	id OptionID,
	parseList func(string) ([]ListEdit[T], error),
	fromAny func(any) (T, error),
) ([]ListEdit[T], error) {
	value, ok := s.getFromSection(sectionName, id)
	if !ok {
		return nil, nil
	}
	switch v := value.(type) {
	case map[string]any:
		var edits []ListEdit[T]
		for key := range v {
			if key != "add" && key != "remove" {
				return nil, status.Errorf(codes.InvalidArgument,
					"Expected %s to contain an 'add' element, a 'remove' element or both but found key %#v", id, key)
			}
		}
		if len(v) == 0 {
			return nil, status.Errorf(codes.InvalidArgument,
				"Expected %s to contain an 'add' element, a 'remove' element or both but found an empty table", id)
		}
		if add, ok := v["add"]; ok {
			items, err := extractConfigList(id, add, fromAny)
			if err != nil {
				return nil, err
			}
			edits = append(edits, ListEdit[T]{Action: ListEditAdd, Items: items})
		}
		if remove, ok := v["remove"]; ok {
			items, err := extractConfigList(id, remove, fromAny)
			if err != nil {
				return nil, err
			}
			edits = append(edits, ListEdit[T]{Action: ListEditRemove, Items: items})
		}
		return edits, nil
	case string:
		edits, found, err := expandToList(s.expander, v, parseList, fromAny)
		if err != nil {
			return nil, renderSourceError(err, s.Display(id))
		}
		if !found {
			return nil, nil
		}
		return edits, nil
	default:
		items, err := extractConfigList(id, value, fromAny)
		if err != nil {
			return nil, err
		}
		return []ListEdit[T]{{Action: ListEditReplace, Items: items}}, nil
	}
}

// getConfigList concatenates edits from the DEFAULT section and the
// scoped section, in that order.
func getConfigList[T comparable](
	s *ConfigReader,
	id OptionID,
	parseList func(string) ([]ListEdit[T], error),
	fromAny func(any) (T, error),
) ([]ListEdit[T], error) {
	defaultEdits, err := getConfigListFromSection(s, defaultSection, id, parseList, fromAny)
	if err != nil {
		return nil, err
	}
	scopedEdits, err := getConfigListFromSection(s, id.Scope.Name(), id, parseList, fromAny)
	if err != nil {
		return nil, err
	}
	return append(defaultEdits, scopedEdits...), nil
}

func (s *ConfigReader) GetBoolList(id OptionID) ([]ListEdit[bool], error) {
	return getConfigList(s, id, ParseBoolListEdits, boolFromAny)
}

func (s *ConfigReader) GetIntList(id OptionID) ([]ListEdit[int64], error) {
	return getConfigList(s, id, ParseIntListEdits, intFromAny)
}

func (s *ConfigReader) GetFloatList(id OptionID) ([]ListEdit[float64], error) {
	return getConfigList(s, id, ParseFloatListEdits, floatFromAny)
}

func (s *ConfigReader) GetStringList(id OptionID) ([]ListEdit[string], error) {
	return getConfigList(s, id, ParseStringListEdits, stringFromAny)
}

func (s *ConfigReader) getDictFromSection(sectionName string, id OptionID) ([]DictEdit, error) {
	value, ok := s.getFromSection(sectionName, id)
	if !ok {
		return nil, nil
	}
	switch v := value.(type) {
	case map[string]any:
		if add, ok := v["add"].(map[string]any); ok && len(v) == 1 {
			return []DictEdit{{Action: DictEditAdd, Items: add}}, nil
		}
		return []DictEdit{{Action: DictEditReplace, Items: v}}, nil
	case string:
		edits, found, err := expandToDict(s.expander, v)
		if err != nil {
			return nil, renderSourceError(err, s.Display(id))
		}
		if !found {
			return nil, nil
		}
		return edits, nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "Expected %s to be a toml table, but given %v", id, value)
	}
}

func (s *ConfigReader) GetDict(id OptionID) ([]DictEdit, error) {
	defaultEdits, err := s.getDictFromSection(defaultSection, id)
	if err != nil {
		return nil, err
	}
	scopedEdits, err := s.getDictFromSection(id.Scope.Name(), id)
	if err != nil {
		return nil, err
	}
	return append(defaultEdits, scopedEdits...), nil
}
