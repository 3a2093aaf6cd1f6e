package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sq, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
		"sqlite": sq,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, domain.KeySnapshot)
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, s.Set(ctx, domain.KeySnapshot, []byte(`{"jobs":[]}`)))
			got, err := s.Get(ctx, domain.KeySnapshot)
			require.NoError(t, err)
			assert.JSONEq(t, `{"jobs":[]}`, string(got))

			require.NoError(t, s.Set(ctx, domain.KeySnapshot, []byte(`{"jobs":[1]}`)))
			got, err = s.Get(ctx, domain.KeySnapshot)
			require.NoError(t, err)
			assert.JSONEq(t, `{"jobs":[1]}`, string(got))

			require.NoError(t, s.Delete(ctx, domain.KeySnapshot))
			_, err = s.Get(ctx, domain.KeySnapshot)
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, s.Delete(context.Background(), "never-set"))
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFileStoreRejectsBadKeys(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		err := s.Set(context.Background(), key, []byte("x"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "key %q", key)
	}
}

func TestFileStoreWritesPrivateFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), domain.KeyAuthTokens, []byte(`{}`)))

	info, err := os.Stat(filepath.Join(dir, domain.KeyAuthTokens+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(dir, domain.KeyAuthTokens+".json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, domain.KeyPendingAnswers, []byte(`[{"question_id":"q1"}]`)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, domain.KeyPendingAnswers)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"question_id":"q1"}]`, string(got))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		backend string
		want    any
	}{
		{"memory", &MemoryStore{}},
		{"file", &FileStore{}},
		{"sqlite", &SQLiteStore{}},
		{"", &SQLiteStore{}},
	}
	for _, tt := range tests {
		t.Run("backend="+tt.backend, func(t *testing.T) {
			s, err := Open(ctx, config.StorageConfig{Backend: tt.backend, Path: t.TempDir()}, logger)
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tt.want, s)
		})
	}

	_, err := Open(ctx, config.StorageConfig{Backend: "redis", Path: t.TempDir()}, logger)
	assert.Error(t, err)
}
