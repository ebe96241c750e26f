package options

// OptionParser resolves option values across a stack of sources.
// Sources are ordered by ascending precedence: config files first (in
// the order given, later files overriding earlier ones), then the
// environment, then command line flags.
type OptionParser struct {
	sources []Source
}

func NewOptionParser(sources ...Source) *OptionParser {
	return &OptionParser{sources: sources}
}

func getScalar[T any](p *OptionParser, id OptionID, defaultValue T, get func(Source, OptionID) (T, bool, error)) (T, error) {
	for i := len(p.sources) - 1; i >= 0; i-- {
		value, found, err := get(p.sources[i], id)
		if err != nil {
			return defaultValue, err
		}
		if found {
			return value, nil
		}
	}
	return defaultValue, nil
}

func (p *OptionParser) GetBool(id OptionID, defaultValue bool) (bool, error) {
	return getScalar(p, id, defaultValue, Source.GetBool)
}

func (p *OptionParser) GetInt(id OptionID, defaultValue int64) (int64, error) {
	return getScalar(p, id, defaultValue, Source.GetInt)
}

func (p *OptionParser) GetFloat(id OptionID, defaultValue float64) (float64, error) {
	return getScalar(p, id, defaultValue, Source.GetFloat)
}

func (p *OptionParser) GetString(id OptionID, defaultValue string) (string, error) {
	return getScalar(p, id, defaultValue, Source.GetString)
}

// GetStringOptional distinguishes "not set anywhere" from an empty
// string value.
func (p *OptionParser) GetStringOptional(id OptionID) (string, bool, error) {
	for i := len(p.sources) - 1; i >= 0; i-- {
		value, found, err := p.sources[i].GetString(id)
		if err != nil || found {
			return value, found, err
		}
	}
	return "", false, nil
}

func getList[T comparable](p *OptionParser, id OptionID, defaultItems []T, get func(Source, OptionID) ([]ListEdit[T], error)) ([]T, error) {
	var edits []ListEdit[T]
	for _, source := range p.sources {
		sourceEdits, err := get(source, id)
		if err != nil {
			return nil, err
		}
		edits = append(edits, sourceEdits...)
	}
	return ApplyListEdits(defaultItems, edits), nil
}

func (p *OptionParser) GetBoolList(id OptionID, defaultItems []bool) ([]bool, error) {
	return getList(p, id, defaultItems, Source.GetBoolList)
}

func (p *OptionParser) GetIntList(id OptionID, defaultItems []int64) ([]int64, error) {
	return getList(p, id, defaultItems, Source.GetIntList)
}

func (p *OptionParser) GetFloatList(id OptionID, defaultItems []float64) ([]float64, error) {
	return getList(p, id, defaultItems, Source.GetFloatList)
}

func (p *OptionParser) GetStringList(id OptionID, defaultItems []string) ([]string, error) {
	return getList(p, id, defaultItems, Source.GetStringList)
}

func (p *OptionParser) GetDict(id OptionID, defaultItems map[string]any) (map[string]any, error) {
	var edits []DictEdit
	for _, source := range p.sources {
		sourceEdits, err := source.GetDict(id)
		if err != nil {
			return nil, err
		}
		edits = append(edits, sourceEdits...)
	}
	return ApplyDictEdits(defaultItems, edits), nil
}
