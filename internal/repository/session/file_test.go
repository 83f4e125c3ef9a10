package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFileRepository_NotFound verifies Load returns ErrNotFound for missing file.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "missing.json"))
	s, err := repo.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, s)
}

// TestFileRepository_SaveLoad_Roundtrip ensures Save followed by Load returns equal session.
func TestFileRepository_SaveLoad_Roundtrip(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "config", "ec2_instance.json")
	repo := NewFileRepository(file)

	want := &Session{
		WorkerID: "i-0123456789abcdef0",
		Region:   "eu-west-3",
	}

	require.NoError(t, repo.Save(context.Background(), want))

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)

	contents, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(contents), `"instance_id": "i-0123456789abcdef0"`)
}

// TestFileRepository_Invalid covers incomplete and malformed sessions.
func TestFileRepository_Invalid(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "session.json")
	repo := NewFileRepository(file)

	require.ErrorIs(t, repo.Save(context.Background(), &Session{Region: "x"}), errIncomplete)

	require.NoError(t, os.WriteFile(file, []byte("{not json"), 0o600))

	_, err := repo.Load(context.Background())
	require.Error(t, err)

	require.NoError(t, os.WriteFile(file, []byte(`{"region":"eu-west-3"}`), 0o600))

	_, err = repo.Load(context.Background())
	require.ErrorIs(t, err, errIncomplete)
}
