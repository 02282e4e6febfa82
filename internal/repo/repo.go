package repo

import (
	"errors"
	"fmt"
)

// Type identifies one of the fixed object categories of a restic
// repository. Every type except TypeConfig maps to a subdirectory
// holding named blobs; config is a single unnamed file at the
// repository root.
type Type string

const (
	TypeData      Type = "data"
	TypeKeys      Type = "keys"
	TypeLocks     Type = "locks"
	TypeSnapshots Type = "snapshots"
	TypeIndex     Type = "index"
	TypeConfig    Type = "config"
)

// Object names are hex-encoded SHA-256 IDs.
const nameLength = 64

// data blobs are bucketed by the first two hex characters of the name.
const shardPrefixLength = 2

var (
	ErrInvalidType = errors.New("invalid object type")
	ErrInvalidName = errors.New("invalid object name")
	ErrMissingName = errors.New("missing object name")
	ErrInvalidRepo = errors.New("invalid repository name")
)

var types = []Type{TypeData, TypeKeys, TypeLocks, TypeSnapshots, TypeIndex, TypeConfig}

// Types returns the object types that occupy a subdirectory of the
// repository, i.e. every type except config.
func Types() []Type {
	dirs := make([]Type, 0, len(types)-1)
	for _, t := range types {
		if t != TypeConfig {
			dirs = append(dirs, t)
		}
	}
	return dirs
}

// ParseType maps a request path segment to an object type.
func ParseType(s string) (Type, error) {
	for _, t := range types {
		if s == string(t) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// IsType reports whether s names one of the fixed object types.
func IsType(s string) bool {
	_, err := ParseType(s)
	return err == nil
}

// ValidateName checks an object name against the protocol's naming
// rules: config carries no name, every other type requires a
// fixed-length lowercase hex token. The hex-only alphabet also rules
// out path separators and traversal sequences.
func ValidateName(t Type, name string) error {
	if t == TypeConfig {
		if name != "" {
			return fmt.Errorf("%w: config takes no name", ErrInvalidName)
		}
		return nil
	}
	if name == "" {
		return fmt.Errorf("%w: type %s", ErrMissingName, t)
	}
	if len(name) != nameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		if !isLowerHex(name[i]) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// ValidateRepoName checks a repository path segment. The empty string
// addresses the default repository at the storage root and is always
// valid. Names that collide with an object type are rejected so that
// routing stays unambiguous.
func ValidateRepoName(name string) error {
	if name == "" {
		return nil
	}
	if IsType(name) {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidRepo, name)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidRepo, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidRepo, name)
		}
	}
	return nil
}

// Shard returns the bucket directory for a data blob name. Callers
// must have validated the name first.
func Shard(name string) string {
	return name[:shardPrefixLength]
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
