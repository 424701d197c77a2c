// Package operation keeps track of crypto operations between the token
// request and the provider's callback.
package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no operation has the given ID.
	ErrNotFound = errors.New("operation not found")
	// ErrAlreadyExists is returned when creating an ID that is already registered.
	ErrAlreadyExists = errors.New("operation already exists")
	// ErrTokenAlreadySet is returned when a token is claimed a second time.
	ErrTokenAlreadySet = errors.New("operation token already set")
)

// Kind is the direction of a crypto operation.
type Kind string

const (
	KindEncrypt Kind = "ENCRYPT"
	KindDecrypt Kind = "DECRYPT"
)

// ParseKind accepts ENCRYPT or DECRYPT in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindEncrypt, KindDecrypt:
		return k, nil
	default:
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
}

// Operation is one pending or completed crypto request.
type Operation struct {
	ID        string    `json:"operationId"`
	Kind      Kind      `json:"kind"`
	FileName  string    `json:"fileName"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasToken reports whether the provider's callback has been claimed.
func (o *Operation) HasToken() bool {
	return o.Token != ""
}

// Store persists operations. Implementations must make SetToken a
// conditional claim so that only one caller ever sees it succeed.
type Store interface {
	Create(ctx context.Context, id string, kind Kind, fileName string) (*Operation, error)
	FindByOperationID(ctx context.Context, id string) (*Operation, error)
	SetToken(ctx context.Context, id, token string) error
	// Delete removes the operation. It reports false, without error, when
	// nothing was deleted.
	Delete(ctx context.Context, id string) (bool, error)
	// ListCreatedBefore returns operations created before cutoff, oldest first.
	ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]Operation, error)
}

func validateCreate(id string, kind Kind, fileName string) error {
	if id == "" {
		return errors.New("operation id is required")
	}
	if kind != KindEncrypt && kind != KindDecrypt {
		return fmt.Errorf("unknown operation kind %q", kind)
	}
	if fileName == "" {
		return errors.New("file name is required")
	}
	return nil
}
