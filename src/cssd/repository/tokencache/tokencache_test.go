package tokencache

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/cssd/src/cssd/entity"
	"go.uber.org/config"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func key(b byte) entity.CacheKey {
	var k entity.CacheKey
	k[0] = b
	return k
}

func result(token string, deps ...string) *entity.CompileResult {
	return &entity.CompileResult{Tokens: entity.Tokens{"root": token}, Dependencies: deps}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     map[string]any
		wantErr string
	}{
		{name: "default size", cfg: map[string]any{}},
		{name: "configured size", cfg: map[string]any{"cache": map[string]any{"maxEntries": 3}}},
		{name: "zero size", cfg: map[string]any{"cache": map[string]any{"maxEntries": 0}}, wantErr: "must be positive"},
		{name: "not a number", cfg: map[string]any{"cache": map[string]any{"maxEntries": "lots"}}, wantErr: "reading cache.maxEntries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := config.NewStaticProvider(tt.cfg)
			require.NoError(t, err)

			repo, err := New(Params{Config: provider, Stats: tally.NoopScope})
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, repo)
		})
	}
}

func TestRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("should Set and Get successfully", func(t *testing.T) {
		repo := newRepository(4, tally.NoopScope)
		require.NoError(t, repo.Set(ctx, key(1), "/p/a.css", result("a_root", "/p/a.css")))

		got, ok := repo.Get(ctx, key(1))
		require.True(t, ok)
		assert.Equal(t, entity.Tokens{"root": "a_root"}, got.Tokens)
		assert.Equal(t, 1, repo.Len(ctx))
	})

	t.Run("should miss on unknown key", func(t *testing.T) {
		repo := newRepository(4, tally.NoopScope)
		_, ok := repo.Get(ctx, key(9))
		assert.False(t, ok)
	})

	t.Run("should reject nil results", func(t *testing.T) {
		repo := newRepository(4, tally.NoopScope)
		assert.Error(t, repo.Set(ctx, key(1), "/p/a.css", nil))
	})

	t.Run("should evict least recently used", func(t *testing.T) {
		repo := newRepository(2, tally.NoopScope)
		require.NoError(t, repo.Set(ctx, key(1), "/p/a.css", result("a", "/p/a.css")))
		require.NoError(t, repo.Set(ctx, key(2), "/p/b.css", result("b", "/p/b.css")))
		_, _ = repo.Get(ctx, key(1))
		require.NoError(t, repo.Set(ctx, key(3), "/p/c.css", result("c", "/p/c.css")))

		_, ok := repo.Get(ctx, key(2))
		assert.False(t, ok)
		_, ok = repo.Get(ctx, key(1))
		assert.True(t, ok)

		deps := repo.Dependencies(ctx)
		sort.Strings(deps)
		assert.Equal(t, []string{"/p/a.css", "/p/c.css"}, deps)
	})

	t.Run("should invalidate every dependent entry", func(t *testing.T) {
		repo := newRepository(8, tally.NoopScope)
		require.NoError(t, repo.Set(ctx, key(1), "/p/a.css", result("a", "/p/a.css", "/p/shared.css")))
		require.NoError(t, repo.Set(ctx, key(2), "/p/b.css", result("b", "/p/b.css", "/p/shared.css")))
		require.NoError(t, repo.Set(ctx, key(3), "/p/c.css", result("c", "/p/c.css")))

		assert.Equal(t, 2, repo.InvalidatePath(ctx, "/p/shared.css"))
		assert.Equal(t, 1, repo.Len(ctx))
		_, ok := repo.Get(ctx, key(3))
		assert.True(t, ok)
		assert.Equal(t, []string{"/p/c.css"}, repo.Dependencies(ctx))
		assert.Equal(t, 0, repo.InvalidatePath(ctx, "/p/shared.css"))
	})

	t.Run("should reindex on replace", func(t *testing.T) {
		repo := newRepository(8, tally.NoopScope)
		require.NoError(t, repo.Set(ctx, key(1), "/p/a.css", result("a", "/p/a.css", "/p/old.css")))
		require.NoError(t, repo.Set(ctx, key(1), "/p/a.css", result("a2", "/p/a.css")))

		assert.Equal(t, 0, repo.InvalidatePath(ctx, "/p/old.css"))
		got, ok := repo.Get(ctx, key(1))
		require.True(t, ok)
		assert.Equal(t, "a2", got.Tokens["root"])
	})

	t.Run("should report entry gauge", func(t *testing.T) {
		scope := tally.NewTestScope("testing", nil)
		repo := newRepository(8, scope)
		require.NoError(t, repo.Set(ctx, key(1), "/p/a.css", result("a", "/p/a.css")))
		require.NoError(t, repo.Set(ctx, key(2), "/p/b.css", result("b", "/p/b.css")))

		gauges := scope.Snapshot().Gauges()
		g, ok := gauges["testing.cache.entries+"]
		require.True(t, ok)
		assert.Equal(t, float64(2), g.Value())
	})

	t.Run("should skip results invalidated while compiling", func(t *testing.T) {
		repo := newRepository(8, tally.NoopScope)
		epoch := repo.Epoch(ctx)

		assert.Equal(t, 0, repo.InvalidatePath(ctx, "/p/shared.css"))
		assert.Greater(t, repo.Epoch(ctx), epoch)

		stored, err := repo.SetIfCurrent(ctx, key(1), "/p/a.css", result("a", "/p/a.css", "/p/shared.css"), epoch)
		require.NoError(t, err)
		assert.False(t, stored)
		assert.Equal(t, 0, repo.Len(ctx))

		stored, err = repo.SetIfCurrent(ctx, key(2), "/p/b.css", result("b", "/p/b.css"), epoch)
		require.NoError(t, err)
		assert.True(t, stored)

		stored, err = repo.SetIfCurrent(ctx, key(1), "/p/a.css", result("a", "/p/a.css", "/p/shared.css"), repo.Epoch(ctx))
		require.NoError(t, err)
		assert.True(t, stored)
		assert.Equal(t, 2, repo.Len(ctx))

		_, err = repo.SetIfCurrent(ctx, key(3), "/p/c.css", nil, repo.Epoch(ctx))
		assert.Error(t, err)
	})

	t.Run("should reject stale results after the invalidation log resets", func(t *testing.T) {
		repo := newRepository(1, tally.NoopScope)
		epoch := repo.Epoch(ctx)
		for _, p := range []string{"/p/1.css", "/p/2.css", "/p/3.css", "/p/4.css", "/p/5.css"} {
			repo.InvalidatePath(ctx, p)
		}

		stored, err := repo.SetIfCurrent(ctx, key(1), "/p/a.css", result("a", "/p/a.css"), epoch)
		require.NoError(t, err)
		assert.False(t, stored)

		stored, err = repo.SetIfCurrent(ctx, key(1), "/p/a.css", result("a", "/p/a.css"), repo.Epoch(ctx))
		require.NoError(t, err)
		assert.True(t, stored)
	})
}
