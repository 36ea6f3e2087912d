package types

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultBranch is used when a repository key is created without a branch.
const DefaultBranch = "main"

// RepositoryKey identifies a unique indexing target. Provider-returned owner
// objects must be normalized into the plain string form before a key is
// constructed; nothing downstream of this type ever sees a richer owner value.
type RepositoryKey struct {
	Owner  string
	Name   string
	Branch string
}

// NewRepositoryKey builds a normalized key. Owner and name are trimmed,
// an empty branch defaults to DefaultBranch.
func NewRepositoryKey(owner, name, branch string) (RepositoryKey, error) {
	key := RepositoryKey{
		Owner:  strings.TrimSpace(owner),
		Name:   strings.TrimSpace(name),
		Branch: strings.TrimSpace(branch),
	}
	if key.Branch == "" {
		key.Branch = DefaultBranch
	}
	if err := key.Validate(); err != nil {
		return RepositoryKey{}, err
	}
	return key, nil
}

// Validate checks that all key components are present and well-formed.
func (k RepositoryKey) Validate() error {
	if k.Owner == "" {
		return errors.New("repository owner cannot be empty")
	}
	if k.Name == "" {
		return errors.New("repository name cannot be empty")
	}
	if k.Branch == "" {
		return errors.New("repository branch cannot be empty")
	}
	if strings.ContainsAny(k.Owner, "/ ") || strings.ContainsAny(k.Name, "/ ") {
		return fmt.Errorf("repository key contains invalid characters: %s/%s", k.Owner, k.Name)
	}
	return nil
}

// String returns the canonical owner/name@branch form.
func (k RepositoryKey) String() string {
	return k.Owner + "/" + k.Name + "@" + k.Branch
}
