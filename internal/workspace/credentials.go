package workspace

import (
	"context"
	"os"

	"github.com/crewdeck/crewdeck/internal/common/errors"
)

// Credentials is the material injected into a sandbox for one dispatch.
// Values are written to a credentials file inside the environment, never
// interpolated into shell command strings.
type Credentials struct {
	GitToken string
}

// gitTokenEnvVars are checked in order when resolving a git token.
var gitTokenEnvVars = []string{
	"CREWDECK_GIT_TOKEN",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"BITBUCKET_TOKEN",
}

// CredentialSource resolves workspace credentials. The environment-backed
// source stands in for the credential vault, which is an external
// collaborator.
type CredentialSource struct{}

// NewCredentialSource creates an environment-backed credential source.
func NewCredentialSource() *CredentialSource {
	return &CredentialSource{}
}

// Resolve returns the credentials for a workspace, or a typed
// NOT_CONFIGURED failure when no git token is available.
func (s *CredentialSource) Resolve(_ context.Context, _ string) (*Credentials, error) {
	for _, key := range gitTokenEnvVars {
		if v := os.Getenv(key); v != "" {
			return &Credentials{GitToken: v}, nil
		}
	}
	return nil, errors.NotConfigured("git credentials")
}
