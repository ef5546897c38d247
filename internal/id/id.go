package id

import (
	"context"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Alphabet is the set of runes a paste id may contain. It matches nanoid's
// default URL-safe alphabet so ids drop into /p/{id} without escaping.
const Alphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	defaultLength = 8
	maxLength     = 64
)

// Generator produces paste ids of a fixed length.
type Generator struct {
	length int
}

// New returns a Generator for ids of the given length. Out of range lengths
// fall back to 8.
func New(length int) *Generator {
	if length <= 0 || length > maxLength {
		length = defaultLength
	}
	return &Generator{length: length}
}

// Length reports the size of generated ids.
func (g *Generator) Length() int {
	return g.length
}

// Generate returns a new id.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return gonanoid.Generate(Alphabet, g.length)
}

// Valid reports whether s could have been produced by some Generator.
// Length is not pinned, since ID_LENGTH may change between deployments.
func Valid(s string) bool {
	if s == "" || len(s) > maxLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}
