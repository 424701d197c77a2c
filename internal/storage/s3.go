// Package storage keeps agency files in S3-compatible object storage. The
// first segment of a folder names the bucket.
package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Config holds S3 client configuration
type Config struct {
	Endpoint           string
	Region             string
	AccessKeyID        string
	SecretKey          string
	ForcePathStyle     bool
	InsecureSkipVerify bool
	PartSize           int64
}

// API is the subset of the S3 client the store uses.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store reads and writes agency files in object storage.
type S3Store struct {
	client   API
	uploader *manager.Uploader
	logger   *logrus.Entry
}

// NewS3Client builds the SDK client for cfg.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretKey,
			"",
		)))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, config.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // #nosec G402 - only for self-signed development endpoints
				},
			},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// NewS3Store wraps client. partSize of zero keeps the uploader default.
func NewS3Store(client API, partSize int64) *S3Store {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if partSize > 0 {
			u.PartSize = partSize
		}
	})
	return &S3Store{
		client:   client,
		uploader: uploader,
		logger:   logrus.WithField("component", "object-store"),
	}
}

// splitFolder returns the bucket and key prefix of folder.
func splitFolder(folder string) (bucket, prefix string, err error) {
	trimmed := strings.Trim(folder, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("folder %q has no bucket segment", folder)
	}
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	return bucket, prefix, nil
}

func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Upload stores data as folder/name and returns "bucket/key".
func (s *S3Store) Upload(ctx context.Context, folder, name string, data []byte) (string, error) {
	bucket, prefix, err := splitFolder(folder)
	if err != nil {
		return "", err
	}
	key := objectKey(prefix, name)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(mimetype.Detect(data).String()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}
	monitoring.RecordBytesTransferred("upload", "storage", len(data))

	s.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
		"bytes":  len(data),
	}).Debug("Uploaded object")
	return bucket + "/" + key, nil
}

// Download reads folder/name.
func (s *S3Store) Download(ctx context.Context, folder, name string) ([]byte, error) {
	bucket, prefix, err := splitFolder(folder)
	if err != nil {
		return nil, err
	}
	key := objectKey(prefix, name)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to download %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", bucket, key, err)
	}
	monitoring.RecordBytesTransferred("download", "storage", len(data))
	return data, nil
}

// List returns the object names directly under folder.
func (s *S3Store) List(ctx context.Context, folder string) ([]string, error) {
	bucket, prefix, err := splitFolder(folder)
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		prefix += "/"
	}

	var names []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return names, nil
}

// Delete removes folder/name.
func (s *S3Store) Delete(ctx context.Context, folder, name string) error {
	bucket, prefix, err := splitFolder(folder)
	if err != nil {
		return err
	}
	key := objectKey(prefix, name)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, key, err)
	}
	return nil
}
