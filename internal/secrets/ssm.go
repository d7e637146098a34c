// Package secrets resolves secret values referenced by name in config.
// Config only ever holds the SSM parameter name, never the value.
package secrets

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// ssmGetter is the subset of the SSM API used here.
type ssmGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads SecureString parameters and caches them for the process lifetime.
type SSM struct {
	client ssmGetter

	mu    sync.RWMutex
	cache map[string]string
}

// NewSSM wraps client. A nil client is allowed; Resolve then fails for any
// non-empty name.
func NewSSM(client *ssm.Client) *SSM {
	if client == nil {
		return newSSM(nil)
	}
	return newSSM(client)
}

func newSSM(client ssmGetter) *SSM {
	return &SSM{client: client, cache: make(map[string]string)}
}

// Resolve returns the decrypted, trimmed value of the named parameter.
// An empty name resolves to "" without calling SSM.
func (s *SSM) Resolve(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}

	s.mu.RLock()
	v, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	if s.client == nil {
		return "", xerrors.New("ssm client is not configured")
	}

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v = strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}

	s.mu.Lock()
	s.cache[name] = v
	s.mu.Unlock()
	return v, nil
}
