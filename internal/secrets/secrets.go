// Package secrets resolves credential references to their values. A ref is
// an opaque string the conversation record or config carries; the resolver
// backend decides what it means (env var name, SSM parameter path).
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Resolver turns a credential reference into its secret value. Callers cache
// resolved values themselves (typically with sync.Once); resolvers do not.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Env resolves refs as environment variable names.
type Env struct{}

func (Env) Resolve(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("secrets: ref is required")
	}
	v := os.Getenv(ref)
	if v == "" {
		return "", fmt.Errorf("secrets: env var %q is not set", ref)
	}
	return v, nil
}

// ssmAPI is the minimal AWS SSM interface required by ParamStore.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore resolves refs as AWS SSM parameter names, decrypted. An
// optional prefix is joined in front of relative refs so records can carry
// short names like "tenants/acme/api-key".
type ParamStore struct {
	api    ssmAPI
	prefix string
}

func NewParamStore(api ssmAPI, prefix string) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	return &ParamStore{api: api, prefix: strings.TrimRight(prefix, "/")}, nil
}

func (p *ParamStore) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("secrets: ref is required")
	}
	name := ref
	if p.prefix != "" && !strings.HasPrefix(ref, "/") {
		name = p.prefix + "/" + ref
	}

	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}
