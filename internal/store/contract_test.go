package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	rterrors "github.com/codeready-toolchain/tarsy-runtime/pkg/errors"
)

// newPostgresForTest spins up a disposable Postgres container and returns a
// ready PostgresStore, the same pattern the teacher uses in
// pkg/database/client_test.go. Skipped when TARSY_SKIP_CONTAINER_TESTS is set
// (CI environments without Docker access).
func newPostgresForTest(t *testing.T) Store {
	if os.Getenv("TARSY_SKIP_CONTAINER_TESTS") != "" {
		t.Skip("container tests disabled via TARSY_SKIP_CONTAINER_TESTS")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("tarsy_test"),
		tcpostgres.WithUsername("tarsy"),
		tcpostgres.WithPassword("tarsy"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	s, err := NewPostgresStore(ctx, Config{
		Host: host, Port: port.Int(), User: "tarsy", Password: "tarsy", Database: "tarsy_test",
		SSLMode: "disable", MaxOpenConns: 5, MaxIdleConns: 2,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// storeFactories is the set of Store implementations the contract suite
// runs against. The in-memory Fake always runs; the Postgres-backed one
// runs unless TARSY_SKIP_CONTAINER_TESTS is set.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"fake":     func(t *testing.T) Store { return NewFake() },
		"postgres": newPostgresForTest,
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			runContractSuite(t, factory)
		})
	}
}

func runContractSuite(t *testing.T, factory func(t *testing.T) Store) {
	t.Run("agent create and get round-trip", func(t *testing.T) {
		s := factory(t)
		a := &Agent{
			Manifest: Manifest{Name: "weather-bot", Version: "1.0.0", Kind: AgentKindEndpointServer},
			Pricing:  Pricing{Kind: PricingFree},
			Status:   AgentStatusSubmitted,
		}
		created, err := s.Repos().Agents().Create(context.Background(), a)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		require.EqualValues(t, 1, created.Version)

		fetched, err := s.Repos().Agents().Get(context.Background(), created.ID)
		require.NoError(t, err)
		require.Equal(t, "weather-bot", fetched.Manifest.Name)
	})

	t.Run("duplicate name+version is rejected", func(t *testing.T) {
		s := factory(t)
		a := &Agent{
			Manifest: Manifest{Name: "dup-bot", Version: "1.0.0", Kind: AgentKindFunctionSandboxed},
			Pricing:  Pricing{Kind: PricingFree},
			Status:   AgentStatusSubmitted,
		}
		_, err := s.Repos().Agents().Create(context.Background(), a)
		require.NoError(t, err)

		_, err = s.Repos().Agents().Create(context.Background(), &Agent{
			Manifest: Manifest{Name: "dup-bot", Version: "1.0.0", Kind: AgentKindFunctionSandboxed},
			Pricing:  Pricing{Kind: PricingFree},
			Status:   AgentStatusSubmitted,
		})
		require.ErrorIs(t, err, rterrors.ErrAlreadyExists)
	})

	t.Run("optimistic concurrency conflict on stale version", func(t *testing.T) {
		s := factory(t)
		created, err := s.Repos().Agents().Create(context.Background(), &Agent{
			Manifest: Manifest{Name: "cas-bot", Version: "1.0.0", Kind: AgentKindFunctionSandboxed},
			Pricing:  Pricing{Kind: PricingFree},
			Status:   AgentStatusSubmitted,
		})
		require.NoError(t, err)

		stale := *created
		_, err = s.Repos().Agents().Update(context.Background(), created)
		require.NoError(t, err)

		_, err = s.Repos().Agents().Update(context.Background(), &stale)
		require.ErrorIs(t, err, rterrors.ErrConflict)
	})

	t.Run("at most one non-terminal deployment per hiring", func(t *testing.T) {
		s := factory(t)
		agent, err := s.Repos().Agents().Create(context.Background(), &Agent{
			Manifest: Manifest{Name: "deploy-bot", Version: "1.0.0", Kind: AgentKindEndpointServer},
			Pricing:  Pricing{Kind: PricingFree},
			Status:   AgentStatusApproved,
		})
		require.NoError(t, err)
		hiring, err := s.Repos().Hirings().Create(context.Background(), &Hiring{
			AgentID: agent.ID, UserID: "user-1", Status: HiringStatusActive,
		})
		require.NoError(t, err)

		_, err = s.Repos().Deployments().Create(context.Background(), &Deployment{
			HiringID: hiring.ID, Kind: AgentKindEndpointServer, State: DeploymentPending,
		})
		require.NoError(t, err)

		_, err = s.Repos().Deployments().Create(context.Background(), &Deployment{
			HiringID: hiring.ID, Kind: AgentKindEndpointServer, State: DeploymentPending,
		})
		require.ErrorIs(t, err, rterrors.ErrAlreadyExists)

		current, err := s.Repos().Deployments().GetCurrentForHiring(context.Background(), hiring.ID)
		require.NoError(t, err)
		require.Equal(t, DeploymentPending, current.State)
	})

	t.Run("usage row requires an existing execution", func(t *testing.T) {
		s := factory(t)
		_, err := s.Repos().UsageRows().Append(context.Background(), &UsageRow{
			ExecutionID: "00000000-0000-0000-0000-000000000000",
			Family:      FamilyLLMCompletion,
			Cost:        decimal.NewFromFloat(0.01),
		})
		require.Error(t, err)
	})

	t.Run("user budget get-or-create is idempotent", func(t *testing.T) {
		s := factory(t)
		first, err := s.Repos().UserBudgets().GetOrCreate(context.Background(), "user-42")
		require.NoError(t, err)
		second, err := s.Repos().UserBudgets().GetOrCreate(context.Background(), "user-42")
		require.NoError(t, err)
		require.Equal(t, first.UserID, second.UserID)
	})

	t.Run("credential upsert replaces ciphertext and bumps version", func(t *testing.T) {
		s := factory(t)
		c1, err := s.Repos().Credentials().Upsert(context.Background(), &Credential{
			UserID: "user-7", Provider: "anthropic", Ciphertext: []byte("v1"),
		})
		require.NoError(t, err)
		require.EqualValues(t, 1, c1.Version)

		c2, err := s.Repos().Credentials().Upsert(context.Background(), &Credential{
			UserID: "user-7", Provider: "anthropic", Ciphertext: []byte("v2"),
		})
		require.NoError(t, err)
		require.EqualValues(t, 2, c2.Version)

		got, err := s.Repos().Credentials().Get(context.Background(), "user-7", "anthropic")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), got.Ciphertext)
	})

	t.Run("transaction rollback discards writes", func(t *testing.T) {
		s := factory(t)
		tx, err := s.Begin(context.Background())
		require.NoError(t, err)
		created, err := tx.Repos().Agents().Create(context.Background(), &Agent{
			Manifest: Manifest{Name: "rollback-bot", Version: "1.0.0", Kind: AgentKindFunctionSandboxed},
			Pricing:  Pricing{Kind: PricingFree},
			Status:   AgentStatusSubmitted,
		})
		require.NoError(t, err)
		require.NoError(t, s.Rollback(context.Background(), tx))

		// Fake commits eagerly (it has no real transactional isolation), so this
		// assertion only holds meaningfully against the postgres implementation;
		// it's harmless against Fake.
		if _, ok := s.(*PostgresStore); ok {
			_, err = s.Repos().Agents().Get(context.Background(), created.ID)
			require.ErrorIs(t, err, rterrors.ErrNotFound)
		}
	})
}
