// Package ingest consumes decrypted agency replies: it decodes them with the
// codec registry and publishes the records to a sink.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/guided-traffic/agency-interchange/internal/codec"
	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/sirupsen/logrus"
)

// ErrIntegrity is returned for a reply the agency flagged as corrupt.
var ErrIntegrity = errors.New("reply file integrity error")

// Batch is one decoded file handed to a sink.
type Batch struct {
	Profile  workflow.Profile
	FileName string
	Records  []codec.Record
}

// Sink receives decoded records.
type Sink interface {
	Name() string
	Publish(ctx context.Context, b Batch) error
	Close() error
}

var profileAgencies = map[workflow.Profile]codec.Agency{
	workflow.ProfileLTA:    codec.AgencyLTA,
	workflow.ProfileMHA:    codec.AgencyMHA,
	workflow.ProfileToppan: codec.AgencyToppan,
}

// Hook decodes replies for the profile they belong to.
type Hook struct {
	codecs *codec.Registry
	sink   Sink
	logger *logrus.Entry
}

// NewHook creates a hook publishing to sink.
func NewHook(codecs *codec.Registry, sink Sink) *Hook {
	return &Hook{
		codecs: codecs,
		sink:   sink,
		logger: logrus.WithField("component", "ingest"),
	}
}

// Ingest decodes data and publishes its records. A reply with a file level
// integrity error is not published and fails with ErrIntegrity.
func (h *Hook) Ingest(ctx context.Context, cfg workflow.Config, fileName string, data []byte) error {
	agency, ok := profileAgencies[cfg.Profile]
	if !ok {
		return fmt.Errorf("no codec for profile %s", cfg.Profile)
	}
	kind := codec.KindOf(agency)
	log := h.logger.WithFields(logrus.Fields{
		"profile": cfg.Profile,
		"file":    fileName,
	})

	summary, err := h.codecs.DecodeReport(kind, data)
	if err != nil {
		return fmt.Errorf("failed to decode report: %w", err)
	}
	if code, bad := codec.IntegrityError(summary); bad {
		log.WithFields(logrus.Fields{
			"integrity_error": code,
			"description":     summary.Attr("integrityErrorDescription"),
		}).Error("Reply rejected by integrity check")
		return fmt.Errorf("%w: %s %s", ErrIntegrity, code, summary.Attr("integrityErrorDescription"))
	}

	batch, err := h.codecs.DecodeResponse(kind, data)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if err := h.sink.Publish(ctx, Batch{Profile: cfg.Profile, FileName: fileName, Records: batch.Records}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", h.sink.Name(), err)
	}
	monitoring.RecordIngested(string(cfg.Profile), h.sink.Name(), len(batch.Records))

	log.WithFields(logrus.Fields{
		"records":  len(batch.Records),
		"rejected": batch.Rejected,
		"sink":     h.sink.Name(),
	}).Info("Reply ingested")
	return nil
}
