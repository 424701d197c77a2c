// Package workflow maps operation IDs to the storage, transfer and
// encryption settings of the agency profile that created them.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scheme selects the provider's encryption scheme.
type Scheme string

const (
	// SchemeA is SLIFT, producing .p7 files.
	SchemeA Scheme = "SCHEME_A"
	// SchemeB is PGP, producing .PGP files.
	SchemeB Scheme = "SCHEME_B"
)

// Extension returns the suffix the provider appends to encrypted names.
func (s Scheme) Extension() string {
	if s == SchemeB {
		return ".PGP"
	}
	return ".p7"
}

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	return s == SchemeA || s == SchemeB
}

// Profile names an agency workflow.
type Profile string

const (
	ProfileLTA     Profile = "LTA"
	ProfileMHA     Profile = "MHA"
	ProfileToppan  Profile = "TOPPAN"
	ProfileDefault Profile = "default"
)

// Config is the resolved routing for one operation.
type Config struct {
	Profile        Profile
	AppCode        string
	TransferServer string
	StorageFolder  string
	TransferFolder string
	Scheme         Scheme
	Ingest         bool
	Encryption     bool
}

// IsDefault reports whether the operation matched no configured profile.
func (c Config) IsDefault() bool {
	return c.Profile == ProfileDefault
}

const idSeparator = "_"

// Prefix returns the segment of an operation ID before the first underscore.
func Prefix(operationID string) string {
	prefix, _, _ := strings.Cut(operationID, idSeparator)
	return prefix
}

// NewOperationID builds {APPCODE}_REQ_{unixMillis}_{8 hex}.
func NewOperationID(appCode string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_REQ_%d_%s", appCode, now.UnixMilli(), suffix)
}
