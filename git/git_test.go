package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// initRepo creates a repository with one commit on the default branch.
func initRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.sh"), []byte("#!/bin/sh\necho ok\n"), 0o755))

	w, err := repo.Worktree()
	require.NoError(t, err)
	_, err = w.Add("build.sh")
	require.NoError(t, err)

	hash, err := w.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestClientAuth(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		repo     string
		expected any
	}{
		{
			name:     "https with token",
			opts:     Options{Username: "testuser", Token: "testtoken"},
			repo:     "https://github.com/acme/widget.git",
			expected: &http.BasicAuth{Username: "testuser", Password: "testtoken"},
		},
		{
			name:     "https token without username",
			opts:     Options{Token: "testtoken"},
			repo:     "https://github.com/acme/widget.git",
			expected: &http.BasicAuth{Username: "git", Password: "testtoken"},
		},
		{
			name:     "https without token",
			opts:     Options{},
			repo:     "https://github.com/acme/widget.git",
			expected: nil,
		},
		{
			name:     "scp-like without key uses agent",
			opts:     Options{Token: "ignored"},
			repo:     "git@github.com:acme/widget.git",
			expected: nil,
		},
		{
			name:     "local path",
			opts:     Options{Token: "ignored"},
			repo:     "/srv/git/widget",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(tt.opts, zerolog.Nop())
			auth, err := client.auth(tt.repo)
			require.NoError(t, err)
			if tt.expected == nil {
				assert.Nil(t, auth)
				return
			}
			assert.Equal(t, tt.expected, auth)
		})
	}
}

func TestClientAuthMissingKey(t *testing.T) {
	client := NewClient(Options{SSHKeyPath: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())
	_, err := client.auth("git@github.com:acme/widget.git")
	assert.Error(t, err)
}

func TestSSHHelpers(t *testing.T) {
	assert.True(t, isSSHRemote("git@github.com:acme/widget.git"))
	assert.True(t, isSSHRemote("ssh://deploy@github.com/acme/widget.git"))
	assert.False(t, isSSHRemote("https://github.com/acme/widget.git"))
	assert.False(t, isSSHRemote("/srv/git/widget"))

	assert.Equal(t, "git", sshUser("git@github.com:acme/widget.git"))
	assert.Equal(t, "deploy", sshUser("ssh://deploy@github.com/acme/widget.git"))
	assert.Equal(t, "git", sshUser("ssh://github.com/acme/widget.git"))
}

func TestCloneLocalRepository(t *testing.T) {
	source, commit := initRepo(t)
	dest := filepath.Join(t.TempDir(), "widget")

	client := NewClient(Options{}, zerolog.Nop())
	result, err := client.Clone(context.Background(), source, "", dest)
	require.NoError(t, err)

	assert.Equal(t, dest, result.Path)
	assert.Equal(t, commit, result.Commit)
	assert.FileExists(t, filepath.Join(dest, "build.sh"))

	head, err := Head(dest)
	require.NoError(t, err)
	assert.Equal(t, commit, head)
}

func TestCloneUnknownBranch(t *testing.T) {
	source, _ := initRepo(t)
	dest := filepath.Join(t.TempDir(), "widget")

	_, err := NewClient(Options{}, zerolog.Nop()).Clone(context.Background(), source, "does-not-exist", dest)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExternalTool)
}

func TestCloneExistingDestination(t *testing.T) {
	dest := t.TempDir()

	_, err := NewClient(Options{}, zerolog.Nop()).Clone(context.Background(), "https://example.com/acme/widget.git", "main", dest)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestHeadNotARepository(t *testing.T) {
	_, err := Head(t.TempDir())
	assert.ErrorIs(t, err, models.ErrNotFound)
}
