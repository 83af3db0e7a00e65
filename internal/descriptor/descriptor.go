package descriptor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformed is returned when a descriptor string does not follow the
// name(==version)?(@repository)? grammar.
var ErrMalformed = errors.New("malformed package descriptor")

const (
	// VersionSeparator splits the name from the pinned version.
	VersionSeparator = "=="

	// RepositorySeparator splits the package part from the repository URL.
	// The last occurrence wins.
	RepositorySeparator = "@"

	// ListSeparator joins descriptors in their persisted list form.
	ListSeparator = ","
)

var (
	namePattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	versionPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+!_-]*$`)
	repositoryPattern = regexp.MustCompile(`^https?://[A-Za-z0-9._~:/?=%+-]+$`)
	nameSeparators    = regexp.MustCompile(`[-_.]+`)
)

// Descriptor identifies one requested package.
//
// Name is the unique key inside a registry. Version holds the text after
// "==" and is passed through untouched. Repository is the index URL the
// package is installed from; empty means the cluster default.
type Descriptor struct {
	Name       string `json:"name" yaml:"name"`
	Version    string `json:"version,omitempty" yaml:"version,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Requirement returns the pip requirement form, name or name==version.
func (d Descriptor) Requirement() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + VersionSeparator + d.Version
}

// String returns the persisted form of d.
func (d Descriptor) String() string {
	return Format(d)
}

// Validate checks every field of d against the safe-character patterns.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty package name", ErrMalformed)
	}
	if !ValidName(d.Name) {
		return fmt.Errorf("%w: invalid package name %q", ErrMalformed, d.Name)
	}
	if d.Version != "" && !versionPattern.MatchString(d.Version) {
		return fmt.Errorf("%w: invalid version %q for %s", ErrMalformed, d.Version, d.Name)
	}
	if d.Repository != "" && !ValidRepository(d.Repository) {
		return fmt.Errorf("%w: invalid repository %q for %s", ErrMalformed, d.Repository, d.Name)
	}
	return nil
}

// Parse decodes a descriptor string of the form name(==version)?(@repository)?.
// The repository is split off at the last "@", the version at the first "=="
// of what remains.
func Parse(s string) (Descriptor, error) {
	var d Descriptor
	pkg := s
	if i := strings.LastIndex(s, RepositorySeparator); i >= 0 {
		pkg, d.Repository = s[:i], s[i+len(RepositorySeparator):]
		if d.Repository == "" {
			return Descriptor{}, fmt.Errorf("%w: empty repository in %q", ErrMalformed, s)
		}
	}
	d.Name = pkg
	if i := strings.Index(pkg, VersionSeparator); i >= 0 {
		d.Name, d.Version = pkg[:i], pkg[i+len(VersionSeparator):]
		if d.Version == "" {
			return Descriptor{}, fmt.Errorf("%w: empty version in %q", ErrMalformed, s)
		}
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Format is the inverse of Parse.
func Format(d Descriptor) string {
	out := d.Requirement()
	if d.Repository != "" {
		out += RepositorySeparator + d.Repository
	}
	return out
}

// ExtractName returns the name portion of s without validating the rest.
func ExtractName(s string) string {
	if i := strings.LastIndex(s, RepositorySeparator); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, VersionSeparator); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// ParseList decodes the comma-joined persisted form. The empty string is
// the empty list.
func ParseList(s string) ([]Descriptor, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ListSeparator)
	out := make([]Descriptor, 0, len(parts))
	for _, p := range parts {
		d, err := Parse(p)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// FormatList encodes ds in order, joined by commas.
func FormatList(ds []Descriptor) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = Format(d)
	}
	return strings.Join(parts, ListSeparator)
}

// ValidName reports whether s is a safe package name.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// ValidRepository reports whether s is a safe repository URL.
func ValidRepository(s string) bool {
	return repositoryPattern.MatchString(s)
}

// ValidSpec reports whether s is a safe package spec, a name optionally
// pinned with ==version. Repositories are not accepted inside a spec.
func ValidSpec(s string) bool {
	if strings.Contains(s, RepositorySeparator) || strings.Contains(s, ListSeparator) {
		return false
	}
	name, version, pinned := strings.Cut(s, VersionSeparator)
	if !ValidName(name) {
		return false
	}
	return !pinned || versionPattern.MatchString(version)
}

// CanonicalName normalizes a package name the way pip compares names:
// lowercased, with every run of "-", "_" and "." turned into one "-".
// Two descriptors name the same package when their canonical names match.
func CanonicalName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(name), "-")
}
