package options

// ListEditAction describes how one list edit combines with the state
// accumulated from lower-precedence sources.
type ListEditAction int

const (
	ListEditReplace ListEditAction = iota
	ListEditAdd
	ListEditRemove
)

// ListEdit is one edit to a list-valued option. A source contributes a
// sequence of edits rather than a final value, so that "+[x]" from the
// command line can append to a list seeded by a config file.
type ListEdit[T comparable] struct {
	Action ListEditAction
	Items  []T
}

// DictEditAction describes how a dict edit combines with prior state.
type DictEditAction int

const (
	DictEditReplace DictEditAction = iota
	DictEditAdd
)

// DictEdit is one edit to a dict-valued option. Values are
// heterogeneous: bool, int64, float64, string, []any or
// map[string]any.
type DictEdit struct {
	Action DictEditAction
	Items  map[string]any
}

// ApplyListEdits composes edits in ascending precedence order on top
// of the default. Removals from any source apply after adds from any
// source, but are discarded by a later Replace.
func ApplyListEdits[T comparable](defaultItems []T, edits []ListEdit[T]) []T {
	list := append([]T(nil), defaultItems...)
	var removals [][]T
	for _, edit := range edits {
		switch edit.Action {
		case ListEditReplace:
			list = append([]T(nil), edit.Items...)
			removals = nil
		case ListEditAdd:
			list = append(list, edit.Items...)
		case ListEditRemove:
			removals = append(removals, edit.Items)
		}
	}
	if len(removals) > 0 {
		toRemove := map[T]struct{}{}
		for _, items := range removals {
			for _, item := range items {
				toRemove[item] = struct{}{}
			}
		}
		kept := make([]T, 0, len(list))
		for _, item := range list {
			if _, ok := toRemove[item]; !ok {
				kept = append(kept, item)
			}
		}
		list = kept
	}
	return list
}

// ApplyDictEdits composes dict edits in ascending precedence order on
// top of the default. Add merges keys, with later sources winning
// conflicts.
func ApplyDictEdits(defaultItems map[string]any, edits []DictEdit) map[string]any {
	dict := make(map[string]any, len(defaultItems))
	for k, v := range defaultItems {
		dict[k] = v
	}
	for _, edit := range edits {
		if edit.Action == DictEditReplace {
			dict = make(map[string]any, len(edit.Items))
		}
		for k, v := range edit.Items {
			dict[k] = v
		}
	}
	return dict
}
