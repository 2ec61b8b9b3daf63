package definitions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

type fakeInner struct {
	def     *engine.SyncDefinition
	getCalls int
}

func (f *fakeInner) Get(ctx context.Context, id string) (*engine.SyncDefinition, error) {
	f.getCalls++
	return f.def, nil
}
func (f *fakeInner) GetSourceBinding(ctx context.Context, id string) ([]engine.SyncSource, error) {
	return nil, nil
}
func (f *fakeInner) ListTargets(ctx context.Context, id string) ([]engine.SyncTarget, error) {
	return nil, nil
}
func (f *fakeInner) ListMappings(ctx context.Context, id string) ([]engine.FieldMapping, error) {
	return nil, nil
}
func (f *fakeInner) EnumerateCDCDefinitions(ctx context.Context) ([]engine.CDCBinding, error) {
	return nil, nil
}

func TestGet_CachesAcrossCalls(t *testing.T) {
	inner := &fakeInner{def: &engine.SyncDefinition{ID: "def1"}}
	cache := NewCachingRepository(inner, zap.NewNop())

	_, err := cache.Get(context.Background(), "def1")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "def1")
	require.NoError(t, err)

	require.Equal(t, 1, inner.getCalls)
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	inner := &fakeInner{def: &engine.SyncDefinition{ID: "def1"}}
	cache := NewCachingRepository(inner, zap.NewNop())

	_, err := cache.Get(context.Background(), "def1")
	require.NoError(t, err)
	cache.Invalidate("def1")
	_, err = cache.Get(context.Background(), "def1")
	require.NoError(t, err)

	require.Equal(t, 2, inner.getCalls)
}
