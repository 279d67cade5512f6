//go:build integration

package confirmation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"dossier/internal/application/confirmation"
	"dossier/pkg/testutil/containers"
)

type RedisSequenceSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	seq   *confirmation.RedisSequence
}

func TestRedisSequenceSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisSequenceSuite))
}

func (s *RedisSequenceSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.seq = confirmation.NewRedisSequence(s.redis.Client)
}

func (s *RedisSequenceSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisSequenceSuite) TestSameSecondValuesAreDistinct() {
	ctx := context.Background()
	now := time.Unix(1772359200, 0)

	const workers = 50
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.seq.Next(ctx, now)
			s.Require().NoError(err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.Len(seen, workers)
}

func (s *RedisSequenceSuite) TestCounterIsPerSecond() {
	ctx := context.Background()

	first, err := s.seq.Next(ctx, time.Unix(100, 0))
	s.Require().NoError(err)
	other, err := s.seq.Next(ctx, time.Unix(101, 0))
	s.Require().NoError(err)

	s.Equal(0, first)
	s.Equal(0, other)
}

func (s *RedisSequenceSuite) TestGeneratorUsesSequence() {
	g := confirmation.New(
		confirmation.WithDisambiguator(s.seq),
		confirmation.WithClock(func() time.Time { return time.Unix(1772359200, 0) }),
	)

	a, err := g.Generate(context.Background())
	s.Require().NoError(err)
	b, err := g.Generate(context.Background())
	s.Require().NoError(err)

	s.Equal("SS-IMM-72359200-000", a)
	s.Equal("SS-IMM-72359200-001", b)
}
