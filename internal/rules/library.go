package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrRuleSetNotFound is returned when a template references a rule set id
// that no loaded file declares.
var ErrRuleSetNotFound = errors.New("unknown rule set")

// Library holds every rule set loaded at startup, keyed by id. It is
// read-only after load and safe for concurrent use.
type Library struct {
	sets map[string]*RuleSet
}

// LoadLibrary parses and compiles every *.yaml rule-set file under fsys.
// A file may hold a single rule set or a list of them.
func LoadLibrary(fsys fs.FS) (*Library, error) {
	names, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("listing rule sets: %w", err)
	}
	sort.Strings(names)

	lib := &Library{sets: make(map[string]*RuleSet)}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading rule set %s: %w", name, err)
		}

		var many []*RuleSet
		if err := yaml.Unmarshal(data, &many); err != nil {
			var one RuleSet
			if err := yaml.Unmarshal(data, &one); err != nil {
				return nil, fmt.Errorf("parsing rule set %s: %w", name, err)
			}
			many = []*RuleSet{&one}
		}

		for _, set := range many {
			if err := set.Compile(); err != nil {
				return nil, fmt.Errorf("rule set %s: %w", name, err)
			}
			if _, dup := lib.sets[set.ID]; dup {
				return nil, fmt.Errorf("rule set %s: duplicate id %q", name, set.ID)
			}
			lib.sets[set.ID] = set
		}
	}
	return lib, nil
}

// Get returns the rule set with the given id.
func (l *Library) Get(id string) (*RuleSet, error) {
	set, ok := l.sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRuleSetNotFound, id)
	}
	return set, nil
}

// Has reports whether a rule set id is loaded.
func (l *Library) Has(id string) bool {
	_, ok := l.sets[id]
	return ok
}

// IDs returns the loaded rule set ids, sorted.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.sets))
	for id := range l.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
