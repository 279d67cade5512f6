// Package confirmation allocates the public confirmation number of an
// application: PREFIX-<last 8 digits of unix seconds>-<3-digit disambiguator>.
//
// Uniqueness is never assumed from the format. Reserve pairs every generated
// number with a persistence attempt and retries on a uniqueness conflict up to
// a fixed bound.
package confirmation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"dossier/internal/application/metrics"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/sentinel"
)

const (
	DefaultPrefix      = "SS-IMM"
	DefaultMaxAttempts = 5

	timeModulus          = 100_000_000
	disambiguatorModulus = 1000
)

// Disambiguator supplies the trailing component for numbers minted at now.
type Disambiguator interface {
	Next(ctx context.Context, now time.Time) (int, error)
}

// RandomDisambiguator draws uniformly from crypto/rand.
type RandomDisambiguator struct{}

func (RandomDisambiguator) Next(context.Context, time.Time) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(disambiguatorModulus))
	if err != nil {
		return 0, fmt.Errorf("read random disambiguator: %w", err)
	}
	return int(n.Int64()), nil
}

type Generator struct {
	prefix      string
	source      Disambiguator
	maxAttempts int
	clock       func() time.Time
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Generator)

func WithPrefix(prefix string) Option {
	return func(g *Generator) {
		if prefix != "" {
			g.prefix = prefix
		}
	}
}

func WithDisambiguator(d Disambiguator) Option {
	return func(g *Generator) {
		if d != nil {
			g.source = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(g *Generator) {
		g.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

func New(opts ...Option) *Generator {
	g := &Generator{
		prefix:      DefaultPrefix,
		source:      RandomDisambiguator{},
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate mints one candidate number. It performs no uniqueness check.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	now := g.clock()
	n, err := g.source.Next(ctx, now)
	if err != nil {
		return "", err
	}
	return Format(g.prefix, now, n), nil
}

// Format renders the number for a given instant and disambiguator.
func Format(prefix string, now time.Time, disambiguator int) string {
	return fmt.Sprintf("%s-%08d-%03d", prefix, now.Unix()%timeModulus, disambiguator%disambiguatorModulus)
}

// Reserve generates a number and hands it to persist. A persist error wrapping
// sentinel.ErrConflict means the number is taken and triggers a retry; any
// other error aborts. After maxAttempts conflicts the call fails with
// CodeConfirmationExhausted and nothing has been stored.
func (g *Generator) Reserve(ctx context.Context, persist func(ctx context.Context, number string) error) (string, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeTimeout, "confirmation reservation cancelled")
		}
		number, err := g.Generate(ctx)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate confirmation number")
		}

		err = persist(ctx, number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return "", err
		}

		if g.metrics != nil {
			g.metrics.IncCollision()
		}
		if g.logger != nil {
			g.logger.WarnContext(ctx, "confirmation number collision",
				"attempt", attempt,
				"max_attempts", g.maxAttempts,
			)
		}
	}

	if g.metrics != nil {
		g.metrics.IncExhausted()
	}
	return "", dErrors.New(dErrors.CodeConfirmationExhausted,
		fmt.Sprintf("could not allocate a unique confirmation number after %d attempts", g.maxAttempts))
}
