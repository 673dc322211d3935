// Package runid issues unique, ordered run identifiers.
//
// An Allocator renders a configured list of tokens joined by "_". When the
// format includes the incremental token it needs a durable CounterStore. If
// the store cannot be opened and a fallback format is configured, the
// allocator uses the fallback for its whole lifetime and says so in Mode();
// it never switches strategy per call. A store failure after a successful
// open is returned to the caller.
package runid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/store"
)

// Mode reports which strategy an allocator is using.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeFallback Mode = "fallback"
)

// Defaults.
const (
	DefaultCounterWidth = 6
	DefaultPrefix       = "run"
	DefaultISOFormat    = "20060102T150405Z"
)

// Config configures an Allocator.
type Config struct {
	// Format is the ordered token list. Defaults to [incremental].
	Format []Token

	// Fallback is used for the allocator's lifetime when the counter store
	// cannot be opened. Empty means no fallback: construction fails.
	// Must not contain the incremental token.
	Fallback []Token

	CounterWidth int
	Prefix       string
	ISOFormat    string
}

// ID is one issued run id.
type ID struct {
	Value    string    `json:"run_id"`
	Seq      int64     `json:"seq,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// String returns the rendered id.
func (id ID) String() string { return id.Value }

// StoreOpener opens the counter store. It is called once, by New.
type StoreOpener func() (store.CounterStore, error)

// Allocator issues run ids.
type Allocator struct {
	tokens []Token
	cfg    Config
	mode   Mode
	store  store.CounterStore
	clock  clock.Clock
	ulids  *ulidSource
	logger *slog.Logger

	// mu orders issuance within the process so the ulid component follows
	// the counter order.
	mu sync.Mutex
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithClock overrides the clock used for issued_at, ISO and time-ordered tokens.
func WithClock(c clock.Clock) Option {
	return func(a *Allocator) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// New validates cfg and, if the format needs one, opens the counter store.
func New(cfg Config, open StoreOpener, opts ...Option) (*Allocator, error) {
	if len(cfg.Format) == 0 {
		cfg.Format = []Token{TokenIncremental}
	}
	if cfg.CounterWidth <= 0 {
		cfg.CounterWidth = DefaultCounterWidth
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ISOFormat == "" {
		cfg.ISOFormat = DefaultISOFormat
	}
	if err := validateTokens(cfg.Format); err != nil {
		return nil, err
	}
	if len(cfg.Fallback) > 0 {
		if err := validateTokens(cfg.Fallback); err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		if hasToken(cfg.Fallback, TokenIncremental) {
			return nil, fmt.Errorf("fallback format must not use the incremental token")
		}
	}

	a := &Allocator{
		tokens: cfg.Format,
		cfg:    cfg,
		mode:   ModePrimary,
		clock:  clock.Real(),
		ulids:  newULIDSource(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if !hasToken(cfg.Format, TokenIncremental) {
		return a, nil
	}

	var (
		st  store.CounterStore
		err error
	)
	if open == nil {
		err = fmt.Errorf("no counter store configured")
	} else {
		st, err = open()
	}
	if err != nil {
		if len(cfg.Fallback) == 0 {
			return nil, fmt.Errorf("open counter store: %w", err)
		}
		a.logger.Warn("counter store unavailable, using fallback run id format",
			"error", err, "fallback", cfg.Fallback)
		a.tokens = cfg.Fallback
		a.mode = ModeFallback
		return a, nil
	}
	a.store = st
	return a, nil
}

// Mode reports whether the primary or fallback format is in use.
func (a *Allocator) Mode() Mode {
	return a.mode
}

// Format returns the active token list.
func (a *Allocator) Format() []Token {
	return a.tokens
}

// Next issues the next run id for slug.
func (a *Allocator) Next(ctx context.Context, slug string) (ID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := ID{IssuedAt: a.clock.Now().UTC()}
	parts := make([]string, 0, len(a.tokens))
	for _, t := range a.tokens {
		switch t {
		case TokenIncremental:
			seq, err := a.store.Increment(ctx, slug)
			if err != nil {
				return ID{}, fmt.Errorf("allocate run id for %q: %w", slug, err)
			}
			id.Seq = seq
			parts = append(parts, fmt.Sprintf("%s-%0*d", a.cfg.Prefix, a.cfg.CounterWidth, seq))
		case TokenULID:
			u, err := a.ulids.next(id.IssuedAt)
			if err != nil {
				return ID{}, err
			}
			parts = append(parts, u)
		case TokenUUIDv7:
			u, err := newUUIDv7()
			if err != nil {
				return ID{}, err
			}
			parts = append(parts, u)
		case TokenISO:
			parts = append(parts, id.IssuedAt.Format(a.cfg.ISOFormat))
		}
	}
	id.Value = strings.Join(parts, "_")
	return id, nil
}

// Close closes the counter store, if any.
func (a *Allocator) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
