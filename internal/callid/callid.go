// Package callid validates identifiers assigned by the voice vendor before
// they are stored or forwarded to the vendor's retrieval API.
package callid

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier marks a vendor call identifier that is not in an accepted format.
var ErrInvalidIdentifier = errors.New("invalid vendor call identifier")

// DefaultVersions are the UUID versions the vendor has issued: v4 for
// historical calls and v7 for current ones.
var DefaultVersions = []int{4, 7}

// Validator accepts canonical RFC 4122 UUID strings of the configured versions.
type Validator struct {
	versions []uuid.Version
}

// NewValidator builds a validator for the given UUID versions. An empty list
// selects DefaultVersions.
func NewValidator(versions ...int) (*Validator, error) {
	if len(versions) == 0 {
		versions = DefaultVersions
	}
	v := &Validator{}
	for _, n := range versions {
		if n < 1 || n > 8 {
			return nil, fmt.Errorf("unsupported uuid version %d", n)
		}
		v.versions = append(v.versions, uuid.Version(n))
	}
	return v, nil
}

// Default returns a validator for DefaultVersions.
func Default() *Validator {
	v, _ := NewValidator()
	return v
}

// Validate returns nil when id is an accepted vendor call identifier.
func (v *Validator) Validate(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	// uuid.Parse also accepts braces, urn prefixes and upper case.
	if parsed.String() != id {
		return fmt.Errorf("%w: %q is not canonical", ErrInvalidIdentifier, id)
	}
	if parsed.Variant() != uuid.RFC4122 {
		return fmt.Errorf("%w: %q has variant %s", ErrInvalidIdentifier, id, parsed.Variant())
	}
	if !slices.Contains(v.versions, parsed.Version()) {
		return fmt.Errorf("%w: %q has unaccepted version %d", ErrInvalidIdentifier, id, parsed.Version())
	}
	return nil
}

// Valid is the boolean form of Validate.
func (v *Validator) Valid(id string) bool {
	return v.Validate(id) == nil
}
