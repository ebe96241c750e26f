package options

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromfileExpander resolves "@path" option values by reading the named
// file. "@?path" tolerates a missing file, and "@@value" escapes a
// literal leading "@".
type FromfileExpander struct {
	relativeTo string
}

// NewFromfileExpander creates an expander resolving relative paths
// against relativeTo. An empty relativeTo resolves against the current
// working directory.
func NewFromfileExpander(relativeTo string) *FromfileExpander {
	return &FromfileExpander{relativeTo: relativeTo}
}

func (e *FromfileExpander) resolve(path string) string {
	if e.relativeTo == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.relativeTo, path)
}

// Expand resolves a possibly @-prefixed value. The second return value
// is false when an optional fromfile did not exist.
func (e *FromfileExpander) Expand(value string) (string, bool, error) {
	expanded, _, found, err := e.expand(value)
	return expanded, found, err
}

// expand additionally returns the path the value was read from, or ""
// when the value was inline.
func (e *FromfileExpander) expand(value string) (string, string, bool, error) {
	if strings.HasPrefix(value, "@@") {
		return value[1:], "", true, nil
	}
	if !strings.HasPrefix(value, "@") {
		return value, "", true, nil
	}
	path, optional := value[1:], false
	if strings.HasPrefix(path, "?") {
		path, optional = path[1:], true
	}
	resolved := e.resolve(path)
	contents, err := os.ReadFile(resolved)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("problem reading %s: %w", resolved, err)
	}
	return string(contents), resolved, true, nil
}

func structuredFormat(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

// normalizeJSONValue converts json.Number values in a decoded tree to
// int64 where they are integral, so that JSON fromfiles yield the same
// types as the text grammar.
func normalizeJSONValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, item := range v {
			v[i] = normalizeJSONValue(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = normalizeJSONValue(item)
		}
		return v
	default:
		return value
	}
}

func decodeStructured(format, contents, path string) (any, error) {
	switch format {
	case "json":
		decoder := json.NewDecoder(strings.NewReader(contents))
		decoder.UseNumber()
		var decoded any
		if err := decoder.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("problem parsing %s: %w", path, err)
		}
		return normalizeJSONValue(decoded), nil
	case "yaml":
		var decoded any
		if err := yaml.Unmarshal([]byte(contents), &decoded); err != nil {
			return nil, fmt.Errorf("problem parsing %s: %w", path, err)
		}
		return normalizeYAMLValue(decoded), nil
	default:
		return nil, fmt.Errorf("unknown structured format %#v for %s", format, path)
	}
}

// normalizeYAMLValue rewrites yaml.v3's map[string]any/int types into
// the shapes the rest of the option system traffics in.
func normalizeYAMLValue(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case []any:
		for i, item := range v {
			v[i] = normalizeYAMLValue(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = normalizeYAMLValue(item)
		}
		return v
	default:
		return value
	}
}

// expandToList resolves a possibly @-prefixed list value. Structured
// .json/.yaml fromfiles yield a single Replace edit; anything else is
// parsed with the text grammar.
func expandToList[T comparable](
	e *FromfileExpander,
	value string,
	parseList func(string) ([]ListEdit[T], error),
	fromAny func(any) (T, error),
) ([]ListEdit[T], bool, error) {
	contents, path, found, err := e.expand(value)
	if err != nil || !found {
		return nil, found, err
	}
	format := structuredFormat(path)
	if format == "" {
		edits, err := parseList(contents)
		return edits, err == nil, err
	}
	decoded, err := decodeStructured(format, contents, path)
	if err != nil {
		return nil, false, err
	}
	rawItems, ok := decoded.([]any)
	if !ok {
		return nil, false, fmt.Errorf("expected %s to contain a list, but found %T", path, decoded)
	}
	items := make([]T, 0, len(rawItems))
	for _, raw := range rawItems {
		item, err := fromAny(raw)
		if err != nil {
			return nil, false, fmt.Errorf("in %s: %w", path, err)
		}
		items = append(items, item)
	}
	return []ListEdit[T]{{Action: ListEditReplace, Items: items}}, true, nil
}

// expandToDict resolves a possibly @-prefixed dict value.
func expandToDict(e *FromfileExpander, value string) ([]DictEdit, bool, error) {
	contents, path, found, err := e.expand(value)
	if err != nil || !found {
		return nil, found, err
	}
	format := structuredFormat(path)
	if format == "" {
		edit, err := ParseDictEdit(contents)
		if err != nil {
			return nil, false, err
		}
		return []DictEdit{edit}, true, nil
	}
	decoded, err := decodeStructured(format, contents, path)
	if err != nil {
		return nil, false, err
	}
	items, ok := decoded.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("expected %s to contain a dict, but found %T", path, decoded)
	}
	return []DictEdit{{Action: DictEditReplace, Items: items}}, true, nil
}

func boolFromAny(value any) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expected a bool, but found %T (%v)", value, value)
}

func intFromAny(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case float64:
		if v == float64(int64(v)) {
			return int64(v), nil
		}
	}
	return 0, fmt.Errorf("expected an int, but found %T (%v)", value, value)
}

func floatFromAny(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("expected a float, but found %T (%v)", value, value)
}

func stringFromAny(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("expected a string, but found %T (%v)", value, value)
}
