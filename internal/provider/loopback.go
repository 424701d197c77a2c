package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeliverFunc hands a token to the orchestrator, the way the callback
// endpoint would.
type DeliverFunc func(ctx context.Context, operationID, token string) bool

// LoopbackProvider is an in-process stand-in for the crypto service. It
// encrypts with a Tink AES256-GCM keyset and delivers tokens to itself.
type LoopbackProvider struct {
	aead   tink.AEAD
	delay  time.Duration
	logger *logrus.Entry

	mu      sync.RWMutex
	deliver DeliverFunc
	tokens  map[string]string // token -> app code
}

// NewLoopbackProvider creates a provider with a fresh keyset. Tokens are
// delivered after delay.
func NewLoopbackProvider(delay time.Duration) (*LoopbackProvider, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("failed to create loopback keyset: %w", err)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("failed to create loopback AEAD: %w", err)
	}
	return &LoopbackProvider{
		aead:   primitive,
		delay:  delay,
		logger: logrus.WithField("component", "loopback-provider"),
		tokens: make(map[string]string),
	}, nil
}

// SetDeliver installs the function tokens are delivered to.
func (p *LoopbackProvider) SetDeliver(fn DeliverFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliver = fn
}

// RequestToken issues a token and delivers it asynchronously.
func (p *LoopbackProvider) RequestToken(_ context.Context, appCode, operationID string) error {
	p.mu.Lock()
	deliver := p.deliver
	if deliver == nil {
		p.mu.Unlock()
		return &Error{Code: "HC503", Description: "no token receiver installed", Status: 503}
	}
	token := uuid.NewString()
	p.tokens[token] = appCode
	p.mu.Unlock()

	go func() {
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		accepted := deliver(context.Background(), operationID, token)
		p.logger.WithFields(logrus.Fields{
			"operation_id": operationID,
			"accepted":     accepted,
		}).Debug("Delivered loopback token")
	}()
	return nil
}

func (p *LoopbackProvider) checkToken(r Request) error {
	p.mu.RLock()
	appCode, ok := p.tokens[r.Token]
	p.mu.RUnlock()
	if !ok || appCode != r.AppCode {
		return &Error{Code: "HC401", Description: "invalid token", Status: 401}
	}
	return nil
}

// Encrypt seals the data with the app code as associated data.
func (p *LoopbackProvider) Encrypt(_ context.Context, r Request) (*Encrypted, error) {
	if err := p.checkToken(r); err != nil {
		return nil, err
	}
	ct, err := p.aead.Encrypt(r.Data, []byte(r.AppCode))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt with loopback AEAD: %w", err)
	}
	return &Encrypted{Data: ct, FileName: EncryptedName(r.FileName, r.Scheme)}, nil
}

// Decrypt opens data sealed by Encrypt for the same app code.
func (p *LoopbackProvider) Decrypt(_ context.Context, r Request) ([]byte, error) {
	if err := p.checkToken(r); err != nil {
		return nil, err
	}
	pt, err := p.aead.Decrypt(r.Data, []byte(r.AppCode))
	if err != nil {
		return nil, &Error{Code: "HC422", Description: "ciphertext rejected", Status: 422}
	}
	return pt, nil
}
