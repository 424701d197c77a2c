// Package codec reads and writes the fixed-width and delimited batch files
// exchanged with the external agencies.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedAgency is returned when no codec is registered for a kind.
var ErrUnsupportedAgency = errors.New("unsupported agency")

// Agency identifies an external party with its own file contract.
type Agency string

const (
	AgencyLTA    Agency = "LTA"
	AgencyMHA    Agency = "MHA"
	AgencyToppan Agency = "TOPPAN"
)

// Stage selects the letter batch for agencies that send more than one kind
// of request file. Only Toppan uses stages.
type Stage string

const (
	StageRD1 Stage = "RD1"
	StageRD2 Stage = "RD2"
	StageRR3 Stage = "RR3"
	StageDN1 Stage = "DN1"
	StageDN2 Stage = "DN2"
	StageDR3 Stage = "DR3"
)

var toppanStages = map[Stage]bool{
	StageRD1: true, StageRD2: true, StageRR3: true,
	StageDN1: true, StageDN2: true, StageDR3: true,
}

// Kind is an agency plus an optional stage, written on the wire as
// "TOPPAN_RD1" style identifiers.
type Kind struct {
	Agency Agency
	Stage  Stage
}

// KindOf returns the kind for an agency with its default stage.
func KindOf(agency Agency) Kind {
	if agency == AgencyToppan {
		return Kind{Agency: agency, Stage: StageRD1}
	}
	return Kind{Agency: agency}
}

// String returns the wire spelling of the kind.
func (k Kind) String() string {
	if k.Stage == "" {
		return string(k.Agency)
	}
	return string(k.Agency) + "_" + string(k.Stage)
}

// ParseKind parses "LTA", "MHA", "TOPPAN" or "TOPPAN_<stage>".
func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	agency, stage, _ := strings.Cut(s, "_")

	switch Agency(agency) {
	case AgencyLTA, AgencyMHA:
		if stage != "" {
			return Kind{}, fmt.Errorf("agency %s has no stages: %q", agency, s)
		}
		return Kind{Agency: Agency(agency)}, nil
	case AgencyToppan:
		if stage == "" {
			return KindOf(AgencyToppan), nil
		}
		if !toppanStages[Stage(stage)] {
			return Kind{}, fmt.Errorf("unknown toppan stage %q", stage)
		}
		return Kind{Agency: AgencyToppan, Stage: Stage(stage)}, nil
	default:
		return Kind{}, fmt.Errorf("%w: %q", ErrUnsupportedAgency, s)
	}
}

// Header is the control information carried by a file's header and trailer.
type Header struct {
	Timestamp time.Time
	Count     int
	Present   bool
}

// Batch is the result of decoding a response or exceptions file.
type Batch struct {
	Header   Header
	Records  []Record
	Rejected int
	// Errors holds file-level problems such as a missing trailer.
	Errors []string
}

// Summary is the result of decoding a report file.
type Summary struct {
	Counts     map[string]int
	Attributes map[string]string
}

func newSummary() Summary {
	return Summary{Counts: map[string]int{}, Attributes: map[string]string{}}
}

// Count returns a named count, or zero.
func (s Summary) Count(key string) int {
	return s.Counts[key]
}

// Attr returns a named attribute, or the empty string.
func (s Summary) Attr(key string) string {
	return s.Attributes[key]
}

// Codec is implemented by each agency format.
type Codec interface {
	Agency() Agency
	EncodeRequest(stage Stage, records []Record, ts time.Time) []byte
	DecodeResponse(data []byte) *Batch
	DecodeReport(data []byte) Summary
	DecodeExceptions(data []byte) *Batch
	DecodeHeader(data []byte) Header
	FilenameFor(stage Stage, ts time.Time) string
	LooksLikeResponseFile(name string) bool
}
