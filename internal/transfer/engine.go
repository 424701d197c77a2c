// Package transfer runs the work that follows a token callback: encrypt and
// deliver a file, or collect and decrypt one.
package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/guided-traffic/agency-interchange/internal/provider"
	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/guided-traffic/agency-interchange/internal/transfer"

// ObjectStore is the storage side of a delivery.
type ObjectStore interface {
	Upload(ctx context.Context, folder, name string, data []byte) (string, error)
	Download(ctx context.Context, folder, name string) ([]byte, error)
}

// FileTransfer is the agency side of a delivery.
type FileTransfer interface {
	Upload(ctx context.Context, server, path string, data []byte) error
	Download(ctx context.Context, server, path string) ([]byte, error)
	Delete(ctx context.Context, server, path string) (bool, error)
}

// IngestionHook consumes a decrypted reply before its source is removed.
type IngestionHook interface {
	Ingest(ctx context.Context, cfg workflow.Config, fileName string, data []byte) error
}

// Engine sequences provider, storage and transfer calls.
type Engine struct {
	store    ObjectStore
	transfer FileTransfer
	provider provider.Provider
	hook     IngestionHook
	tracer   trace.Tracer
	logger   *logrus.Entry
}

// NewEngine creates an engine. hook may be nil.
func NewEngine(store ObjectStore, ft FileTransfer, p provider.Provider, hook IngestionHook) *Engine {
	return &Engine{
		store:    store,
		transfer: ft,
		provider: p,
		hook:     hook,
		tracer:   otel.Tracer(tracerName),
		logger:   logrus.WithField("component", "transfer-engine"),
	}
}

// step runs fn inside a span and records its duration.
func (e *Engine) step(ctx context.Context, name string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := e.tracer.Start(ctx, "transfer."+name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	monitoring.RecordStep(name, status, time.Since(start))
	return err
}

func (e *Engine) startRun(ctx context.Context, name, opID string, cfg workflow.Config) (context.Context, trace.Span, *logrus.Entry) {
	ctx, span := e.tracer.Start(ctx, "transfer."+name, trace.WithAttributes(
		attribute.String("operation.id", opID),
		attribute.String("profile", string(cfg.Profile)),
	))
	log := e.logger.WithFields(logrus.Fields{
		"operation_id": opID,
		"profile":      cfg.Profile,
	})
	return ctx, span, log
}

func finish(span trace.Span, log *logrus.Entry, r Result) Result {
	span.SetAttributes(attribute.String("outcome", r.Outcome()))
	if !r.Success {
		span.SetStatus(codes.Error, r.ErrorDetail)
	}
	span.End()

	fields := logrus.Fields{
		"outcome":       r.Outcome(),
		"storage_path":  r.StoragePath,
		"transfer_path": r.TransferPath,
		"elapsed":       r.Elapsed,
	}
	if r.Success {
		log.WithFields(fields).Info("Continuation completed")
	} else {
		log.WithFields(fields).WithField("error", r.ErrorDetail).Warn("Continuation did not complete")
	}
	return r
}

func (e *Engine) encrypt(ctx context.Context, opID, fileName, token string, data []byte, cfg workflow.Config) (*provider.Encrypted, error) {
	var enc *provider.Encrypted
	err := e.step(ctx, "encrypt", func(ctx context.Context) error {
		var err error
		enc, err = e.provider.Encrypt(ctx, provider.Request{
			OperationID: opID,
			AppCode:     cfg.AppCode,
			Scheme:      cfg.Scheme,
			Token:       token,
			FileName:    fileName,
			Data:        data,
		})
		return err
	}, attribute.Int("bytes", len(data)))
	if err != nil {
		return nil, err
	}
	if enc.FileName == "" {
		enc.FileName = provider.EncryptedName(fileName, cfg.Scheme)
	}
	return enc, nil
}

// deliver writes the storage and transfer copies concurrently. An empty
// folder skips that destination. Each side records its own outcome.
func (e *Engine) deliver(ctx context.Context, cfg workflow.Config, storageName string, storageData []byte, transferName string, transferData []byte) Result {
	var (
		r                     Result
		storageErr, xferErr   error
		storagePath, xferPath string
	)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.StorageFolder != "" && storageData != nil {
		g.Go(func() error {
			storageErr = e.step(gctx, "storage_upload", func(ctx context.Context) error {
				p, err := e.store.Upload(ctx, cfg.StorageFolder, storageName, storageData)
				storagePath = p
				return err
			}, attribute.String("folder", cfg.StorageFolder))
			return nil
		})
	}
	if cfg.TransferFolder != "" && transferData != nil {
		g.Go(func() error {
			target := path.Join(cfg.TransferFolder, transferName)
			xferErr = e.step(gctx, "transfer_upload", func(ctx context.Context) error {
				return e.transfer.Upload(ctx, cfg.TransferServer, target, transferData)
			}, attribute.String("server", cfg.TransferServer))
			if xferErr == nil {
				xferPath = target
			}
			return nil
		})
	}
	_ = g.Wait()

	var d details
	if storageErr != nil {
		d.add(fmt.Sprintf("storage upload failed: %v", storageErr))
	} else {
		r.StoragePath = storagePath
	}
	if xferErr != nil {
		d.add(fmt.Sprintf("transfer upload to %s failed: %v", cfg.TransferServer, xferErr))
	} else {
		r.TransferPath = xferPath
	}
	r.Success = len(d) == 0
	r.ErrorDetail = d.String()
	return r
}

// RunEncryptAndUpload encrypts data, then stores the original and delivers
// the encrypted copy.
func (e *Engine) RunEncryptAndUpload(ctx context.Context, opID string, data []byte, fileName, token string, cfg workflow.Config) Result {
	start := time.Now()
	ctx, span, log := e.startRun(ctx, "encrypt_and_upload", opID, cfg)

	enc, err := e.encrypt(ctx, opID, fileName, token, data, cfg)
	if err != nil {
		return finish(span, log, Failure(fmt.Sprintf("encryption failed: %v", err), time.Since(start)))
	}

	r := e.deliver(ctx, cfg, fileName, data, enc.FileName, enc.Data)
	r.Elapsed = time.Since(start)
	return finish(span, log, r)
}

// RunStoredEncrypt encrypts a file already in storage and delivers it.
func (e *Engine) RunStoredEncrypt(ctx context.Context, opID, fileName, token string, cfg workflow.Config) Result {
	start := time.Now()
	ctx, span, log := e.startRun(ctx, "stored_encrypt", opID, cfg)

	var data []byte
	err := e.step(ctx, "storage_download", func(ctx context.Context) error {
		var err error
		data, err = e.store.Download(ctx, cfg.StorageFolder, fileName)
		return err
	}, attribute.String("folder", cfg.StorageFolder))
	if err != nil {
		return finish(span, log, Failure(fmt.Sprintf("storage download failed: %v", err), time.Since(start)))
	}

	enc, err := e.encrypt(ctx, opID, fileName, token, data, cfg)
	if err != nil {
		return finish(span, log, Failure(fmt.Sprintf("encryption failed: %v", err), time.Since(start)))
	}

	transferOnly := cfg
	transferOnly.StorageFolder = ""
	r := e.deliver(ctx, transferOnly, "", nil, enc.FileName, enc.Data)
	r.Elapsed = time.Since(start)
	return finish(span, log, r)
}

// RunPlainUpload delivers data unencrypted to both destinations.
func (e *Engine) RunPlainUpload(ctx context.Context, data []byte, fileName string, cfg workflow.Config) Result {
	start := time.Now()
	ctx, span, log := e.startRun(ctx, "plain_upload", "", cfg)
	log = log.WithField("file", fileName)

	r := e.deliver(ctx, cfg, fileName, data, fileName, data)
	r.Elapsed = time.Since(start)
	return finish(span, log, r)
}

// RunDownloadAndDecrypt collects remotePath, decrypts it and stores the
// plaintext. For an ingesting profile it then runs the ingestion hook and
// removes the remote source, even when ingestion failed. A failed storage
// upload stops the run and leaves the source in place.
func (e *Engine) RunDownloadAndDecrypt(ctx context.Context, opID, remotePath, token string, cfg workflow.Config) Result {
	start := time.Now()
	ctx, span, log := e.startRun(ctx, "download_and_decrypt", opID, cfg)
	log = log.WithField("remote_path", remotePath)

	var cipher []byte
	err := e.step(ctx, "transfer_download", func(ctx context.Context) error {
		var err error
		cipher, err = e.transfer.Download(ctx, cfg.TransferServer, remotePath)
		return err
	}, attribute.String("server", cfg.TransferServer))
	if err != nil {
		return finish(span, log, Failure(fmt.Sprintf("transfer download failed: %v", err), time.Since(start)))
	}

	name := provider.PlainName(path.Base(remotePath))
	var plain []byte
	err = e.step(ctx, "decrypt", func(ctx context.Context) error {
		var err error
		plain, err = e.provider.Decrypt(ctx, provider.Request{
			OperationID: opID,
			AppCode:     cfg.AppCode,
			Scheme:      cfg.Scheme,
			Token:       token,
			FileName:    path.Base(remotePath),
			Data:        cipher,
		})
		return err
	})
	if err != nil {
		return finish(span, log, Failure(fmt.Sprintf("decryption failed: %v", err), time.Since(start)))
	}

	var (
		r Result
		d details
	)
	if cfg.StorageFolder != "" {
		err = e.step(ctx, "storage_upload", func(ctx context.Context) error {
			p, err := e.store.Upload(ctx, cfg.StorageFolder, name, plain)
			r.StoragePath = p
			return err
		}, attribute.String("folder", cfg.StorageFolder))
		if err != nil {
			log.WithError(err).Warn("Keeping remote source after failed storage upload")
			return finish(span, log, Failure(fmt.Sprintf("storage upload failed: %v", err), time.Since(start)))
		}
	}

	if cfg.Ingest {
		if e.hook != nil && !strings.Contains(strings.ToLower(name), "test") {
			err = e.step(ctx, "ingest", func(ctx context.Context) error {
				return e.hook.Ingest(ctx, cfg, name, plain)
			})
			if err != nil {
				d.add(fmt.Sprintf("ingestion failed: %v", err))
			}
		} else {
			log.WithField("file", name).Debug("Skipping ingestion")
		}

		err = e.step(ctx, "transfer_delete", func(ctx context.Context) error {
			deleted, err := e.transfer.Delete(ctx, cfg.TransferServer, remotePath)
			if err == nil && !deleted {
				log.Warn("Remote source was already gone")
			}
			return err
		}, attribute.String("server", cfg.TransferServer))
		if err != nil {
			log.WithError(err).Warn("Failed to delete remote source")
		} else {
			r.SourceRemoved = true
		}
	}

	r.Success = len(d) == 0
	r.ErrorDetail = d.String()
	r.Elapsed = time.Since(start)
	return finish(span, log, r)
}
