package runid

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Token is one component of a run id format.
type Token string

const (
	// TokenIncremental renders the durable per-pipeline counter: run-000042.
	TokenIncremental Token = "incremental"

	// TokenULID renders a monotonic ULID.
	TokenULID Token = "ulid"

	// TokenISO renders the issue time, e.g. 20260304T050607Z. Not unique on its own.
	TokenISO Token = "iso"

	// TokenUUIDv7 renders a time-ordered UUIDv7.
	TokenUUIDv7 Token = "uuidv7"
)

// unique reports whether a token alone guarantees a never-reused id.
func (t Token) unique() bool {
	return t == TokenIncremental || t == TokenULID || t == TokenUUIDv7
}

func (t Token) valid() bool {
	return t.unique() || t == TokenISO
}

// ParseFormat parses "incremental_ulid" or "incremental,ulid" into tokens.
func ParseFormat(s string) ([]Token, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == ',' || r == ' ' })
	tokens := make([]Token, 0, len(fields))
	for _, f := range fields {
		t := Token(strings.ToLower(f))
		if !t.valid() {
			return nil, fmt.Errorf("unknown run id token %q", f)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// validateTokens checks a format: non-empty, no duplicates, at least one
// unique component.
func validateTokens(tokens []Token) error {
	if len(tokens) == 0 {
		return fmt.Errorf("run id format is empty")
	}
	seen := make(map[Token]bool, len(tokens))
	hasUnique := false
	for _, t := range tokens {
		if !t.valid() {
			return fmt.Errorf("unknown run id token %q", t)
		}
		if seen[t] {
			return fmt.Errorf("duplicate run id token %q", t)
		}
		seen[t] = true
		hasUnique = hasUnique || t.unique()
	}
	if !hasUnique {
		return fmt.Errorf("run id format %v has no unique component", tokens)
	}
	return nil
}

func hasToken(tokens []Token, want Token) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// ulidSource issues ULIDs that are strictly increasing within the process,
// even inside one millisecond.
type ulidSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newULIDSource() *ulidSource {
	return &ulidSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *ulidSource) next(t time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return id.String(), nil
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuidv7: %w", err)
	}
	return id.String(), nil
}
