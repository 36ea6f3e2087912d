package chunker

import (
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// DefaultRegistry returns a registry with grammars for the languages the
// engine splits structurally. Everything else takes the window fallback.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register("go", &LanguageSpec{
		Language: golang.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @chunk
			(method_declaration name: (field_identifier) @name) @chunk
			(type_declaration (type_spec name: (type_identifier) @name)) @chunk
		`,
		KindMap: map[string]string{
			"function_declaration": "function",
			"method_declaration":   "function",
			"type_declaration":     "class",
		},
	})

	r.Register("python", &LanguageSpec{
		Language: python.GetLanguage(),
		Query: `
			(module (function_definition name: (identifier) @name) @chunk)
			(module (class_definition name: (identifier) @name) @chunk)
			(module (decorated_definition definition: (function_definition name: (identifier) @name)) @chunk)
			(module (decorated_definition definition: (class_definition name: (identifier) @name)) @chunk)
		`,
		KindMap: map[string]string{
			"function_definition":  "function",
			"decorated_definition": "function",
			"class_definition":     "class",
		},
	})

	r.Register("javascript", &LanguageSpec{
		Language: javascript.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @chunk
			(class_declaration name: (identifier) @name) @chunk
			(export_statement (function_declaration name: (identifier) @name)) @chunk
			(export_statement (class_declaration name: (identifier) @name)) @chunk
			(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
		`,
		KindMap: map[string]string{
			"function_declaration": "function",
			"export_statement":     "function",
			"lexical_declaration":  "function",
			"class_declaration":    "class",
		},
	})

	r.Register("typescript", &LanguageSpec{
		Language: typescript.GetLanguage(),
		Query: `
			(function_declaration name: (identifier) @name) @chunk
			(class_declaration name: (type_identifier) @name) @chunk
			(export_statement (function_declaration name: (identifier) @name)) @chunk
			(export_statement (class_declaration name: (type_identifier) @name)) @chunk
			(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
			(interface_declaration name: (type_identifier) @name) @chunk
			(type_alias_declaration name: (type_identifier) @name) @chunk
		`,
		KindMap: map[string]string{
			"function_declaration":   "function",
			"export_statement":       "function",
			"lexical_declaration":    "function",
			"class_declaration":      "class",
			"interface_declaration":  "class",
			"type_alias_declaration": "class",
		},
	})

	return r
}
