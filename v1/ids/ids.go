// Package ids mints lock identifiers.
//
// A lock identifier is the ownership proof handed out on every successful
// acquisition. It only has to be unique and hard to guess; ordering is a
// convenience for debugging.
package ids

import (
	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
)

// Generator produces unique lock identifiers.
type Generator interface {
	NewID() (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() (string, error)

// NewID implements Generator.
func (f GeneratorFunc) NewID() (string, error) { return f() }

// TimeOrdered returns UUIDv7 strings. They sort by creation time, which keeps
// storage dumps readable.
func TimeOrdered() Generator {
	return GeneratorFunc(func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}

// Random returns random (version 4) UUID strings.
func Random() Generator {
	return GeneratorFunc(hashiuuid.GenerateUUID)
}

// ByName returns the generator registered under name. Unknown names fall back
// to TimeOrdered.
func ByName(name string) Generator {
	switch name {
	case "random", "uuid4":
		return Random()
	default:
		return TimeOrdered()
	}
}
