// Package id generates the short opaque identifiers used for events,
// groups, and actors.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 48-character nanoid using an alphanumeric alphabet.
func Generate() string {
	v, err := gonanoid.Generate(alphabet, 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return v
}

// GenerateShort returns a 12-character nanoid, used for group ids and
// other identifiers that appear in file paths and CLI commands where
// brevity matters more than collision margin.
func GenerateShort() string {
	v, err := gonanoid.Generate(alphabet, 12)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return v
}
