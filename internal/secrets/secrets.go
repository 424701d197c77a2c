// Package secrets resolves configuration values that reference AWS Secrets
// Manager, such as the provider API key and SFTP private keys.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// RefPrefix marks a value to be read from Secrets Manager. A "#key" suffix
// selects one field of a JSON secret: "secretsmanager:aix/provider#apiKey".
const RefPrefix = "secretsmanager:"

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrAccessDenied   = errors.New("access denied to secret")
	ErrSecretEmpty    = errors.New("secret has no value")
)

// API is the Secrets Manager call the resolver needs.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cached struct {
	value   string
	expires time.Time
}

// Resolver turns secret references into values, caching fetched secrets.
type Resolver struct {
	api    API
	ttl    time.Duration
	logger *logrus.Entry

	mu    sync.Mutex
	cache map[string]cached
}

// NewResolver wraps api. api may be nil when no reference is ever resolved.
func NewResolver(api API, ttl time.Duration) *Resolver {
	return &Resolver{
		api:    api,
		ttl:    ttl,
		logger: logrus.WithField("component", "secrets"),
		cache:  make(map[string]cached),
	}
}

// NewAWSResolver builds a resolver on the default AWS credential chain.
func NewAWSResolver(ctx context.Context, region string, ttl time.Duration) (*Resolver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewResolver(secretsmanager.NewFromConfig(awsCfg), ttl), nil
}

// IsRef reports whether value references Secrets Manager.
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve returns value unchanged unless it is a reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	name, field, _ := strings.Cut(strings.TrimPrefix(value, RefPrefix), "#")

	secret, err := r.get(ctx, name)
	if err != nil {
		return "", err
	}
	if field == "" {
		return secret, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", name, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s#%s", ErrSecretNotFound, name, field)
	}
	return fmt.Sprint(v), nil
}

func (r *Resolver) get(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	if c, ok := r.cache[name]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.value, nil
	}
	r.mu.Unlock()

	if r.api == nil {
		return "", fmt.Errorf("secret %s referenced but no secrets manager client is configured", name)
	}

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException":
				return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
			case "AccessDeniedException":
				return "", fmt.Errorf("%w: %s", ErrAccessDenied, name)
			}
		}
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: %s", ErrSecretEmpty, name)
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[name] = cached{value: value, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
	}
	r.logger.WithField("secret", name).Debug("Secret retrieved")
	return value, nil
}
