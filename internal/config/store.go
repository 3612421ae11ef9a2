package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Errors surfaced by Load. ErrConfigCycle and ErrChainTooDeep are template
// authoring mistakes, not runtime conditions.
var (
	ErrConfigNotFound = errors.New("no template for bank code")
	ErrConfigCycle    = errors.New("template inheritance cycle")
	ErrChainTooDeep   = errors.New("template inheritance chain too deep")
)

// maxInheritanceDepth bounds the number of parent links a template may
// follow. base -> region -> bank uses two.
const maxInheritanceDepth = 3

// layer is one parsed template file, kept as the raw YAML mapping so the
// merge can stay purely structural.
type layer struct {
	code     string
	inherits string
	raw      map[string]any
	order    int // declaration order (sorted file name order)
}

// Store loads template files and serves merged effective configurations.
// It is a shared, read-mostly resource: concurrent Loads are safe, and the
// merge for a not-yet-cached code runs at most once per (code, version)
// with concurrent callers waiting on the same result.
type Store struct {
	fsys fs.FS

	mu      sync.RWMutex
	layers  map[string]*layer
	order   []string // codes in declaration order
	version string
	cache   map[string]*Effective

	group singleflight.Group
}

// NewStore parses every *.yaml template under fsys. The template-set
// version is a hash of the sorted file contents, so any edit produces a
// new cache key space on Reload.
func NewStore(fsys fs.FS) (*Store, error) {
	s := &Store{fsys: fsys}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the template set and drops every cached configuration.
// This is the only way cache entries are invalidated.
func (s *Store) Reload() error {
	entries, err := fs.Glob(s.fsys, "*.yaml")
	if err != nil {
		return fmt.Errorf("listing templates: %w", err)
	}
	sort.Strings(entries)

	layers := make(map[string]*layer, len(entries))
	var order []string
	hash := sha256.New()

	for i, name := range entries {
		data, err := fs.ReadFile(s.fsys, name)
		if err != nil {
			return fmt.Errorf("reading template %s: %w", name, err)
		}
		hash.Write([]byte(name))
		hash.Write(data)

		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}

		code, _ := raw["code"].(string)
		if code == "" {
			return fmt.Errorf("template %s: missing code", name)
		}
		if _, dup := layers[code]; dup {
			return fmt.Errorf("template %s: duplicate code %q", name, code)
		}
		inherits, _ := raw["inherits_from"].(string)
		layers[code] = &layer{code: code, inherits: inherits, raw: raw, order: i}
		order = append(order, code)
	}

	s.mu.Lock()
	s.layers = layers
	s.order = order
	s.version = hex.EncodeToString(hash.Sum(nil))[:12]
	s.cache = make(map[string]*Effective)
	s.mu.Unlock()
	return nil
}

// Version identifies the currently loaded template set.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Codes returns every loaded template code in declaration order.
func (s *Store) Codes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// DeclarationOrder returns the declaration index for a code, used as the
// final detection tie-break. Unknown codes sort last.
func (s *Store) DeclarationOrder(code string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.layers[code]; ok {
		return l.order
	}
	return len(s.order)
}

// Load returns the effective configuration for a bank code, merging its
// inheritance chain root-to-leaf on first use and serving the cached value
// afterwards.
func (s *Store) Load(code string) (*Effective, error) {
	s.mu.RLock()
	key := code + "@" + s.version
	if eff, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return eff, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		eff, err := s.merge(code)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[key] = eff
		s.mu.Unlock()
		return eff, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Effective), nil
}

// chain resolves the inheritance chain for code, root ancestor first.
func (s *Store) chain(code string) ([]*layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var reversed []*layer
	visited := make(map[string]bool)
	current := code
	for current != "" {
		l, ok := s.layers[current]
		if !ok {
			if current == code {
				return nil, fmt.Errorf("%w: %q", ErrConfigNotFound, code)
			}
			return nil, fmt.Errorf("template %q inherits unknown template %q: %w", code, current, ErrConfigNotFound)
		}
		if visited[current] {
			return nil, fmt.Errorf("%w: %q revisits %q", ErrConfigCycle, code, current)
		}
		visited[current] = true
		reversed = append(reversed, l)
		if len(reversed) > maxInheritanceDepth+1 {
			return nil, fmt.Errorf("%w: %q exceeds %d levels", ErrChainTooDeep, code, maxInheritanceDepth)
		}
		current = l.inherits
	}

	chain := make([]*layer, len(reversed))
	for i, l := range reversed {
		chain[len(reversed)-1-i] = l
	}
	return chain, nil
}

func (s *Store) merge(code string) (*Effective, error) {
	chain, err := s.chain(code)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for _, l := range chain {
		merged = mergeMaps(merged, l.raw)
	}
	// The requested template's identity always wins, even if a parent
	// declared its own.
	merged["code"] = code
	delete(merged, "inherits_from")

	// Round-trip the merged mapping through YAML to decode it into the
	// typed configuration; this keeps the merge itself purely structural.
	buf, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding merged template %s: %w", code, err)
	}
	eff := &Effective{}
	if err := yaml.Unmarshal(buf, eff); err != nil {
		return nil, fmt.Errorf("decoding merged template %s: %w", code, err)
	}
	eff.Version = s.version
	if err := eff.Validate(); err != nil {
		return nil, err
	}
	return eff, nil
}

// mergeMaps deep-merges src over dst: nested mappings merge key by key,
// while scalars and lists in src fully replace the same-named dst field.
// Inputs are not mutated.
func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}
