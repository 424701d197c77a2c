package codec

import (
	"fmt"
	"sync"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/sirupsen/logrus"
)

// Registry dispatches codec calls by agency kind.
type Registry struct {
	mu     sync.RWMutex
	codecs map[Agency]Codec
	logger *logrus.Entry
}

// NewRegistry creates a registry holding the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{
		codecs: make(map[Agency]Codec, len(codecs)),
		logger: logrus.WithField("component", "codec-registry"),
	}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// DefaultRegistry returns a registry with the LTA, MHA and Toppan codecs.
func DefaultRegistry() *Registry {
	return NewRegistry(NewLTA(), NewMHA(), NewToppan())
}

// Register adds or replaces the codec for its agency.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Agency()] = c
}

func (r *Registry) lookup(kind Kind) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[kind.Agency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAgency, kind)
	}
	return c, nil
}

// EncodeRequest renders records as the agency's outbound request file.
func (r *Registry) EncodeRequest(kind Kind, records []Record, ts time.Time) ([]byte, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	data := c.EncodeRequest(kind.Stage, records, ts)
	monitoring.RecordCodecRecords(string(kind.Agency), "encode", len(records))

	r.logger.WithFields(logrus.Fields{
		"kind":    kind.String(),
		"records": len(records),
		"bytes":   len(data),
	}).Debug("Encoded request file")
	return data, nil
}

// DecodeResponse parses an inbound response file.
func (r *Registry) DecodeResponse(kind Kind, data []byte) (*Batch, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	b := c.DecodeResponse(data)
	r.observe(kind, "response", b)
	return b, nil
}

// DecodeReport parses an inbound report file into named totals.
func (r *Registry) DecodeReport(kind Kind, data []byte) (Summary, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return Summary{}, err
	}
	return c.DecodeReport(data), nil
}

// DecodeExceptions parses an inbound exceptions file.
func (r *Registry) DecodeExceptions(kind Kind, data []byte) (*Batch, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return nil, err
	}
	b := c.DecodeExceptions(data)
	r.observe(kind, "exceptions", b)
	return b, nil
}

// DecodeHeader recovers the record count and run timestamp of a file.
func (r *Registry) DecodeHeader(kind Kind, data []byte) (Header, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return Header{}, err
	}
	return c.DecodeHeader(data), nil
}

// FilenameFor returns the outbound request file name.
func (r *Registry) FilenameFor(kind Kind, ts time.Time) (string, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return "", err
	}
	return c.FilenameFor(kind.Stage, ts), nil
}

// LooksLikeResponseFile reports whether name is one of the agency's inbound
// file names.
func (r *Registry) LooksLikeResponseFile(kind Kind, name string) (bool, error) {
	c, err := r.lookup(kind)
	if err != nil {
		return false, err
	}
	return c.LooksLikeResponseFile(name), nil
}

func (r *Registry) observe(kind Kind, file string, b *Batch) {
	monitoring.RecordCodecRecords(string(kind.Agency), "decode_"+file, len(b.Records))
	monitoring.RecordCodecRejected(string(kind.Agency), file, b.Rejected)

	fields := logrus.Fields{
		"kind":     kind.String(),
		"file":     file,
		"records":  len(b.Records),
		"rejected": b.Rejected,
	}
	if len(b.Errors) > 0 {
		r.logger.WithFields(fields).WithField("errors", b.Errors).Warn("Decoded file with structural errors")
		return
	}
	r.logger.WithFields(fields).Debug("Decoded file")
}
