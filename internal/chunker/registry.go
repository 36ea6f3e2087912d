package chunker

import (
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// LanguageSpec defines the tree-sitter grammar and capture query for a
// language. The query must use @chunk for the outer definition node and
// @name for its identifier (optional).
type LanguageSpec struct {
	Language *sitter.Language
	Query    string
	// KindMap maps tree-sitter node types to chunk kinds; unmapped node
	// types become blocks.
	KindMap map[string]string
}

// Registry maps language names to specs. Lookup is by the language name the
// fetcher already resolved from the file extension.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*LanguageSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*LanguageSpec)}
}

// Register adds a language spec under the given name.
func (r *Registry) Register(language string, spec *LanguageSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[language] = spec
}

// Lookup returns the spec for a language, or nil when no grammar is
// registered (caller falls back to window chunking).
func (r *Registry) Lookup(language string) *LanguageSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[language]
}

// Languages returns the names of all registered languages.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}
