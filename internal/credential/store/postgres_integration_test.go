//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"certify/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	conformanceSuite
	postgres *containers.PostgresContainer
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = NewPostgres(s.postgres.DB)
	s.events = func() int {
		var n int
		s.Require().NoError(s.postgres.QueryRow(context.Background(), `SELECT COUNT(*) FROM outbox`).Scan(&n))
		return n
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(s.postgres.TruncateAll(s.ctx))
}
