package confirmation

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/sentinel"
)

var numberPattern = regexp.MustCompile(`^SS-IMM-\d{8}-\d{3}$`)

type fixedSource struct {
	values []int
	calls  int
}

func (f *fixedSource) Next(context.Context, time.Time) (int, error) {
	v := f.values[f.calls%len(f.values)]
	f.calls++
	return v, nil
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
}

func TestFormat(t *testing.T) {
	now := time.Unix(1772359200, 0)
	assert.Equal(t, "SS-IMM-72359200-007", Format(DefaultPrefix, now, 7))
	assert.Equal(t, "SS-IMM-72359200-999", Format(DefaultPrefix, now, 999))
	assert.Equal(t, "SS-IMM-00000042-000", Format(DefaultPrefix, time.Unix(42, 0), 1000))
}

func TestGenerateMatchesFormat(t *testing.T) {
	g := New()
	for range 50 {
		number, err := g.Generate(context.Background())
		require.NoError(t, err)
		assert.Regexp(t, numberPattern, number)
	}
}

func TestReserve(t *testing.T) {
	t.Run("first attempt persists", func(t *testing.T) {
		g := New(WithClock(fixedClock), WithDisambiguator(&fixedSource{values: []int{12}}))
		var persisted []string

		number, err := g.Reserve(context.Background(), func(_ context.Context, n string) error {
			persisted = append(persisted, n)
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, "SS-IMM-72359200-012", number)
		assert.Equal(t, []string{number}, persisted)
	})

	t.Run("collision regenerates", func(t *testing.T) {
		g := New(WithClock(fixedClock), WithDisambiguator(&fixedSource{values: []int{1, 2, 3}}))
		taken := map[string]bool{
			"SS-IMM-72359200-001": true,
			"SS-IMM-72359200-002": true,
		}

		number, err := g.Reserve(context.Background(), func(_ context.Context, n string) error {
			if taken[n] {
				return sentinel.ErrConflict
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, "SS-IMM-72359200-003", number)
	})

	t.Run("exhaustion fails without persisting", func(t *testing.T) {
		g := New(WithClock(fixedClock), WithDisambiguator(&fixedSource{values: []int{5}}), WithMaxAttempts(3))
		attempts := 0

		_, err := g.Reserve(context.Background(), func(context.Context, string) error {
			attempts++
			return sentinel.ErrConflict
		})

		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConfirmationExhausted))
		assert.Equal(t, 3, attempts)
	})

	t.Run("other persistence errors abort", func(t *testing.T) {
		g := New()
		boom := errors.New("disk full")
		attempts := 0

		_, err := g.Reserve(context.Background(), func(context.Context, string) error {
			attempts++
			return boom
		})

		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := New().Reserve(ctx, func(context.Context, string) error { return nil })

		assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
	})
}

func TestRandomDisambiguatorRange(t *testing.T) {
	var d RandomDisambiguator
	for range 200 {
		n, err := d.Next(context.Background(), time.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 1000)
	}
}
