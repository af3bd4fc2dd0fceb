package file

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/aws-geos-chem-sub000/pkg/storage"
)

func TestStorage_PutGetList(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("sim/output/f%d.nc4", i), []byte("data"), ""))
	}
	require.NoError(t, s.Put(ctx, "sim/output/logs/run.log", []byte("log"), ""))
	require.NoError(t, s.Put(ctx, "sim/config/config.json", []byte("{}"), "application/json"))

	b, err := s.Get(ctx, "sim/output/f1.nc4")
	require.NoError(t, err)
	assert.Equal(t, "data", string(b))

	page, err := s.List(ctx, storage.ListOptions{Prefix: "sim/output/", MaxKeys: 2})
	require.NoError(t, err)
	assert.Len(t, page.Objects, 2)
	assert.True(t, page.IsTruncated)

	var keys []string
	require.NoError(t, storage.ListAll(ctx, s, "sim/output/", func(o storage.Object) error {
		keys = append(keys, o.Key)
		return nil
	}))
	assert.Equal(t, []string{"sim/output/f0.nc4", "sim/output/f1.nc4", "sim/output/f2.nc4", "sim/output/logs/run.log"}, keys)
}

func TestStorage_PartialPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "a/out1.nc", []byte("1"), ""))
	require.NoError(t, s.Put(ctx, "a/other.nc", []byte("2"), ""))

	page, err := s.List(ctx, storage.ListOptions{Prefix: "a/out"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, "a/out1.nc", page.Objects[0].Key)
}

func TestStorage_MissingPrefixIsEmpty(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	page, err := s.List(context.Background(), storage.ListOptions{Prefix: "nothing/here/"})
	require.NoError(t, err)
	assert.Empty(t, page.Objects)
}

func TestStorage_GetMissing(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "nope.json")
	assert.True(t, storage.IsNotFound(err), "got %v", err)
}

func TestStorage_RejectsTraversal(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	err = s.Put(context.Background(), "../escape", []byte("x"), "")
	require.Error(t, err)
}

func TestStorage_LocatorRoundTrip(t *testing.T) {
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	loc := s.Locator("simulations/u/s/output/")

	parsed, err := storage.ParseLocator(loc)
	require.NoError(t, err)
	assert.Equal(t, "file", parsed.Scheme)

	key, err := storage.KeyFor(s, loc)
	require.NoError(t, err)
	assert.Equal(t, "simulations/u/s/output/", key)
}

func TestConfig_Validate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for empty base dir")
	}
}
