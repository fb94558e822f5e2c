package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/rs/zerolog"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

// Cloner checks out app sources.
type Cloner interface {
	Clone(ctx context.Context, repo, branch, dest string) (CloneResult, error)
}

// CloneResult describes a finished checkout.
type CloneResult struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// Options holds remote credentials and clone tuning.
type Options struct {
	Username              string
	Token                 string
	SSHKeyPath            string
	SSHKeyPassword        string
	InsecureIgnoreHostKey bool
	Depth                 int
}

type Client struct {
	opts Options
	log  zerolog.Logger
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	return &Client{opts: opts, log: log}
}

// Clone checks out branch of repo into dest, which must not exist yet. An
// empty branch clones the remote's default branch.
func (c *Client) Clone(ctx context.Context, repo, branch, dest string) (CloneResult, error) {
	if _, err := os.Stat(dest); err == nil {
		return CloneResult{}, models.Conflict(fmt.Sprintf("checkout directory already exists: %s", dest))
	}

	auth, err := c.auth(repo)
	if err != nil {
		return CloneResult{}, models.ExternalTool("git clone", err)
	}

	opts := &git.CloneOptions{
		URL:   repo,
		Auth:  auth,
		Depth: c.opts.Depth,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}

	c.log.Info().Str("repo", repo).Str("branch", branch).Str("dest", dest).Msg("cloning repository")

	r, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return CloneResult{}, models.ExternalTool("git clone", err)
	}

	head, err := r.Head()
	if err != nil {
		return CloneResult{}, models.ExternalTool("git clone", fmt.Errorf("failed to resolve HEAD: %w", err))
	}

	result := CloneResult{
		Path:   dest,
		Branch: head.Name().Short(),
		Commit: head.Hash().String(),
	}
	c.log.Info().Str("commit", result.Commit).Str("branch", result.Branch).Msg("repository cloned")
	return result, nil
}

// auth picks credentials from the remote form: key-based for ssh remotes,
// basic auth with the token for http remotes, none otherwise.
func (c *Client) auth(repo string) (transport.AuthMethod, error) {
	switch {
	case isSSHRemote(repo):
		if c.opts.SSHKeyPath == "" {
			// go-git falls back to the ssh agent
			return nil, nil
		}
		auth, err := ssh.NewPublicKeysFromFile(sshUser(repo), c.opts.SSHKeyPath, c.opts.SSHKeyPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key: %w", err)
		}
		if c.opts.InsecureIgnoreHostKey {
			auth.HostKeyCallback = cryptossh.InsecureIgnoreHostKey()
		}
		return auth, nil

	case strings.HasPrefix(repo, "https://"), strings.HasPrefix(repo, "http://"):
		if c.opts.Token == "" {
			return nil, nil
		}
		username := c.opts.Username
		if username == "" {
			username = "git"
		}
		return &http.BasicAuth{
			Username: username,
			Password: c.opts.Token,
		}, nil
	}

	return nil, nil
}

func isSSHRemote(repo string) bool {
	if strings.HasPrefix(repo, "ssh://") {
		return true
	}
	return !strings.Contains(repo, "://") && strings.Contains(repo, "@") && strings.Contains(repo, ":")
}

func sshUser(repo string) string {
	if strings.HasPrefix(repo, "ssh://") {
		if u, err := url.Parse(repo); err == nil && u.User != nil && u.User.Username() != "" {
			return u.User.Username()
		}
		return "git"
	}
	if user, _, ok := strings.Cut(repo, "@"); ok && user != "" {
		return user
	}
	return "git"
}

// Head returns the commit checked out at path.
func Head(path string) (string, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", models.NotFound(path)
		}
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := r.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}
