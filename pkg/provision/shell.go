package provision

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ShellQuote wraps s in single quotes so a POSIX shell reads it as one literal
// word. Embedded single quotes become '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var ErrUnsupportedRepoURL = errors.New("unsupported repository url")

// RepoURL is a repository location on a git host reachable over SSH.
type RepoURL struct {
	Host  string
	Owner string
	Name  string
}

// SSH returns the canonical git@host:owner/name.git form.
func (r RepoURL) SSH() string {
	return "git@" + r.Host + ":" + r.Owner + "/" + r.Name + ".git"
}

var (
	httpsRepo = regexp.MustCompile(`^https?://([A-Za-z0-9.-]+)/([\w.-]+)/([\w.-]+?)(?:\.git)?$`)
	scpRepo   = regexp.MustCompile(`^git@([A-Za-z0-9.-]+):([\w.-]+)/([\w.-]+?)(?:\.git)?$`)
)

// ParseRepoURL accepts https://host/owner/repo[.git] and git@host:owner/repo[.git],
// with any number of trailing slashes.
func ParseRepoURL(raw string) (RepoURL, error) {
	cleaned := strings.TrimRight(strings.TrimSpace(raw), "/")
	for _, re := range []*regexp.Regexp{httpsRepo, scpRepo} {
		if m := re.FindStringSubmatch(cleaned); m != nil {
			return RepoURL{Host: m[1], Owner: m[2], Name: m[3]}, nil
		}
	}
	return RepoURL{}, fmt.Errorf("%w: %q", ErrUnsupportedRepoURL, raw)
}

// NormalizeRepoURL returns the canonical SSH form of raw.
func NormalizeRepoURL(raw string) (string, error) {
	r, err := ParseRepoURL(raw)
	if err != nil {
		return "", err
	}
	return r.SSH(), nil
}
