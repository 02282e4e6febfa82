package repo

import (
	"path/filepath"
)

// Layout translates validated (repository, type, name) tuples into
// filesystem paths under a fixed root. It performs no I/O; directory
// creation is the store's concern.
type Layout struct {
	Root string
}

// RepoPath returns the directory holding the named repository. The
// empty repository name addresses the root itself.
func (l Layout) RepoPath(repoName string) (string, error) {
	if err := ValidateRepoName(repoName); err != nil {
		return "", err
	}
	if repoName == "" {
		return l.Root, nil
	}
	return filepath.Join(l.Root, repoName), nil
}

// TypeDir returns the directory that holds objects of the given type.
func (l Layout) TypeDir(repoName string, t Type) (string, error) {
	if _, err := ParseType(string(t)); err != nil {
		return "", err
	}
	base, err := l.RepoPath(repoName)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, string(t)), nil
}

// ObjectPath returns the final path for an object. For config the
// name must be empty; for data the path includes the shard bucket.
func (l Layout) ObjectPath(repoName string, t Type, name string) (string, error) {
	if _, err := ParseType(string(t)); err != nil {
		return "", err
	}
	if err := ValidateName(t, name); err != nil {
		return "", err
	}
	base, err := l.RepoPath(repoName)
	if err != nil {
		return "", err
	}
	switch t {
	case TypeConfig:
		return filepath.Join(base, string(TypeConfig)), nil
	case TypeData:
		return filepath.Join(base, string(t), Shard(name), name), nil
	default:
		return filepath.Join(base, string(t), name), nil
	}
}
