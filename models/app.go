package models

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// AppRecord is one managed application as persisted in the registry file.
type AppRecord struct {
	Repo           string `json:"repo" yaml:"repo" validate:"required,git_remote"`
	Branch         string `json:"branch" yaml:"branch" validate:"omitempty,git_ref"`
	InstallCommand string `json:"install_command" yaml:"install_command"`
	RunCommand     string `json:"run_command" yaml:"run_command" validate:"required"`
	Enabled        *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// AppView is an AppRecord together with its derived identifiers.
type AppView struct {
	AppRecord
	ID         string `json:"id"`
	SystemID   string `json:"system_id"`
	FolderName string `json:"folder_name"`
}

var (
	scpLikeRemote = regexp.MustCompile(`^[A-Za-z0-9._~-]+@[A-Za-z0-9.-]+:(.+)$`)
	unitNameSafe  = regexp.MustCompile(`^[A-Za-z0-9:_.-]+$`)
)

// IsEnabled reports whether the generated service should start at boot.
// An absent flag means enabled.
func (a AppRecord) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// CanonicalID returns the remote path after the host, e.g. "owner/repo".
// Both "scheme://host/owner/repo[.git]" and "user@host:owner/repo[.git]"
// are understood; anything else reports false.
func CanonicalID(repo string) (string, bool) {
	remote := strings.TrimSpace(repo)
	remote = strings.TrimRight(remote, "/")
	remote = strings.TrimSuffix(remote, ".git")

	var repoPath string
	switch {
	case strings.Contains(remote, "://"):
		u, err := url.Parse(remote)
		if err != nil || u.Host == "" {
			return "", false
		}
		repoPath = u.Path
	case scpLikeRemote.MatchString(remote):
		repoPath = scpLikeRemote.FindStringSubmatch(remote)[1]
	default:
		return "", false
	}

	repoPath = strings.Trim(repoPath, "/")
	if repoPath == "" || strings.Contains(repoPath, "//") {
		return "", false
	}
	for _, segment := range strings.Split(repoPath, "/") {
		if segment == "." || segment == ".." {
			return "", false
		}
	}
	if !unitNameSafe.MatchString(strings.ReplaceAll(repoPath, "/", "-")) {
		return "", false
	}

	return repoPath, true
}

// SystemID converts a canonical id into a unit-name safe identifier.
func SystemID(canonicalID string) string {
	return strings.ReplaceAll(canonicalID, "/", "-")
}

// ID returns the canonical id of the record.
func (a AppRecord) ID() (string, bool) {
	return CanonicalID(a.Repo)
}

// SystemID returns the service unit name of the record, without suffix.
func (a AppRecord) SystemID() (string, bool) {
	id, ok := a.ID()
	if !ok {
		return "", false
	}
	return SystemID(id), true
}

// FolderName returns the checkout directory name, the last path segment
// of the remote.
func (a AppRecord) FolderName() string {
	if id, ok := a.ID(); ok {
		return path.Base(id)
	}
	return "unknown"
}

// View attaches the derived identifiers to the record.
func (a AppRecord) View() AppView {
	id, _ := a.ID()
	return AppView{
		AppRecord:  a,
		ID:         id,
		SystemID:   SystemID(id),
		FolderName: a.FolderName(),
	}
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
