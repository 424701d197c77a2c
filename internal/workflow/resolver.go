package workflow

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/guided-traffic/agency-interchange/internal/operation"
	"github.com/sirupsen/logrus"
)

var appCodePattern = regexp.MustCompile(`^[A-Z0-9]+$`)

// Folders is a storage folder and transfer folder pair.
type Folders struct {
	StorageFolder  string `mapstructure:"storage_folder"`
	TransferFolder string `mapstructure:"transfer_folder"`
}

// ProfileSpec is the configured routing of one agency workflow.
type ProfileSpec struct {
	Profile        Profile `mapstructure:"profile"`
	AppCode        string  `mapstructure:"app_code"`
	TransferServer string  `mapstructure:"transfer_server"`
	Scheme         Scheme  `mapstructure:"scheme"`
	Ingest         bool    `mapstructure:"ingest"`
	Encryption     bool    `mapstructure:"encryption"`
	Encrypt        Folders `mapstructure:"encrypt"`
	Decrypt        Folders `mapstructure:"decrypt"`
}

func (p ProfileSpec) config(kind operation.Kind) Config {
	folders := p.Encrypt
	if kind == operation.KindDecrypt {
		folders = p.Decrypt
	}
	return Config{
		Profile:        p.Profile,
		AppCode:        p.AppCode,
		TransferServer: p.TransferServer,
		StorageFolder:  folders.StorageFolder,
		TransferFolder: folders.TransferFolder,
		Scheme:         p.Scheme,
		Ingest:         p.Ingest,
		Encryption:     p.Encryption,
	}
}

// DefaultProfiles returns the stock LTA, MHA and Toppan routing.
func DefaultProfiles() []ProfileSpec {
	return []ProfileSpec{
		{
			Profile:        ProfileLTA,
			AppCode:        "LTAVRLS",
			TransferServer: "lta",
			Scheme:         SchemeA,
			Ingest:         true,
			Encryption:     true,
			Encrypt:        Folders{StorageFolder: "offence/lta/vrls/input/", TransferFolder: "/upload"},
			Decrypt:        Folders{StorageFolder: "/offence/lta/download/", TransferFolder: "/nro/output"},
		},
		{
			Profile:        ProfileMHA,
			AppCode:        "MHANRO",
			TransferServer: "mha",
			Scheme:         SchemeA,
			Encryption:     true,
			Encrypt:        Folders{StorageFolder: "/offence/nro/input/", TransferFolder: "/nro/input"},
			Decrypt:        Folders{StorageFolder: "/offence/nro/output/", TransferFolder: "/nro/output"},
		},
		{
			Profile:        ProfileToppan,
			AppCode:        "TOPPAN",
			TransferServer: "toppan",
			Scheme:         SchemeA,
			Encryption:     true,
			Encrypt:        Folders{StorageFolder: "/offence/sftp/toppan/input/", TransferFolder: "/input"},
			Decrypt:        Folders{StorageFolder: "/offence/sftp/toppan/output/", TransferFolder: "/output"},
		},
	}
}

// defaultProfile routes unknown prefixes. Its paths point nowhere real.
var defaultProfile = ProfileSpec{
	Profile:        ProfileDefault,
	AppCode:        "",
	TransferServer: "default",
	Scheme:         SchemeA,
	Encryption:     true,
	Encrypt:        Folders{StorageFolder: "/default/input/", TransferFolder: "/default/input"},
	Decrypt:        Folders{StorageFolder: "/default/output/", TransferFolder: "/default/output"},
}

// Resolver maps operation IDs to profiles by exact app code equality.
type Resolver struct {
	byAppCode map[string]ProfileSpec
	logger    *logrus.Entry
}

// NewResolver validates specs and builds a resolver over them.
func NewResolver(specs []ProfileSpec) (*Resolver, error) {
	r := &Resolver{
		byAppCode: make(map[string]ProfileSpec, len(specs)),
		logger:    logrus.WithField("component", "workflow-resolver"),
	}
	for _, spec := range specs {
		if err := validateSpec(spec); err != nil {
			return nil, err
		}
		if _, dup := r.byAppCode[spec.AppCode]; dup {
			return nil, fmt.Errorf("duplicate app code %q", spec.AppCode)
		}
		r.byAppCode[spec.AppCode] = spec
	}
	return r, nil
}

func validateSpec(spec ProfileSpec) error {
	if !appCodePattern.MatchString(spec.AppCode) {
		return fmt.Errorf("app code %q must be upper-case alphanumeric", spec.AppCode)
	}
	if spec.Profile == "" || spec.Profile == ProfileDefault {
		return fmt.Errorf("app code %s: profile name %q is reserved or empty", spec.AppCode, spec.Profile)
	}
	if !spec.Scheme.Valid() {
		return fmt.Errorf("app code %s: unknown scheme %q", spec.AppCode, spec.Scheme)
	}
	if spec.TransferServer == "" {
		return fmt.Errorf("app code %s: transfer server is required", spec.AppCode)
	}
	return nil
}

// Resolve returns the routing for operationID and kind. Unknown prefixes get
// the default profile and a warning.
func (r *Resolver) Resolve(operationID string, kind operation.Kind) Config {
	prefix := Prefix(operationID)
	if spec, ok := r.byAppCode[prefix]; ok {
		return spec.config(kind)
	}
	r.logger.WithFields(logrus.Fields{
		"operation_id": operationID,
		"prefix":       prefix,
	}).Warn("No workflow profile for operation prefix, using default")
	return defaultProfile.config(kind)
}

// ProfileFor returns the profile configured for appCode.
func (r *Resolver) ProfileFor(appCode string) (ProfileSpec, bool) {
	spec, ok := r.byAppCode[appCode]
	return spec, ok
}

// AppCodes returns the configured app codes in sorted order.
func (r *Resolver) AppCodes() []string {
	codes := make([]string, 0, len(r.byAppCode))
	for code := range r.byAppCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
