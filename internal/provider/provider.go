// Package provider talks to the external crypto service that issues tokens
// and encrypts or decrypts agency files.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/guided-traffic/agency-interchange/internal/workflow"
)

// Request is one encrypt or decrypt call.
type Request struct {
	OperationID string
	AppCode     string
	Scheme      workflow.Scheme
	Token       string
	FileName    string
	Data        []byte
}

// Encrypted is the provider's encrypt output.
type Encrypted struct {
	Data     []byte
	FileName string
}

// Provider is the crypto service. Tokens are not returned by RequestToken;
// the service delivers them later through the callback endpoint.
type Provider interface {
	RequestToken(ctx context.Context, appCode, operationID string) error
	Encrypt(ctx context.Context, req Request) (*Encrypted, error)
	Decrypt(ctx context.Context, req Request) ([]byte, error)
}

// Error is a failure reported by the provider.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("crypto provider error (status %d): %s", e.Status, e.Description)
	}
	return fmt.Sprintf("crypto provider error %s (status %d): %s", e.Code, e.Status, e.Description)
}

// EncryptedName appends the scheme's extension unless name already has it.
func EncryptedName(name string, scheme workflow.Scheme) string {
	ext := scheme.Extension()
	if strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext)) {
		return name
	}
	return name + ext
}

// PlainName strips a trailing .p7 or .pgp, in any case.
func PlainName(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".p7", ".pgp"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
