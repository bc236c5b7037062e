package lobby

import (
	"context"
	"crypto/rand"
	"io"
	"strings"

	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/pkg/errors"
)

const (
	// CodeLength is the length of a private lobby code.
	CodeLength = 6
	// CodeAlphabet is the set of characters a code is drawn from.
	CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// MaxCodeAttempts bounds collision retries before giving up.
	MaxCodeAttempts = 10
)

// largest multiple of len(CodeAlphabet) that fits in a byte; higher bytes are
// rejected so every character is equally likely.
const codeByteCeiling = 256 - 256%len(CodeAlphabet)

// CodeExistsFunc reports whether a code is already taken.
type CodeExistsFunc func(ctx context.Context, code string) (bool, error)

// CodeGenerator draws random lobby codes and retries on collision.
type CodeGenerator struct {
	rand        io.Reader
	maxAttempts int
}

// NewCodeGenerator returns a generator reading from crypto/rand.
func NewCodeGenerator() *CodeGenerator {
	return &CodeGenerator{rand: rand.Reader, maxAttempts: MaxCodeAttempts}
}

// Random returns one code without checking for collisions.
func (g *CodeGenerator) Random() (string, error) {
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(g.rand, buf); err != nil {
			return "", errors.Wrap(err, "read random bytes")
		}
		for _, b := range buf {
			if int(b) >= codeByteCeiling {
				continue
			}
			out = append(out, CodeAlphabet[int(b)%len(CodeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Unique draws codes until exists reports one free, failing with
// apperr.ErrCodeSpaceExhausted after the attempt limit.
func (g *CodeGenerator) Unique(ctx context.Context, exists CodeExistsFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.Random()
		if err != nil {
			return "", err
		}
		taken, err := exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", apperr.ErrCodeSpaceExhausted
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
