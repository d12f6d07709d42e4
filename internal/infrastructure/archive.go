package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

const archiveTimeLayout = "20060102T150405Z"

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DeviceArchive is the document written for one device export.
type DeviceArchive struct {
	DeviceID   string            `json:"device_id"`
	ExportedAt time.Time         `json:"exported_at"`
	Commands   []*core.Command   `json:"commands"`
	AccessLogs []*core.AccessLog `json:"access_logs"`
}

// Archive writes device history snapshots to S3.
type Archive struct {
	client objectPutter
	bucket string
	prefix string
	logger *logrus.Logger
}

// NewArchive builds an S3 client from the default AWS credential chain.
func NewArchive(ctx context.Context, cfg config.ArchiveConfig, logger *logrus.Logger) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// ObjectKey is <prefix>/<device>/<timestamp>.json.
func (a *Archive) ObjectKey(deviceID string, at time.Time) string {
	return path.Join(a.prefix, deviceID, at.UTC().Format(archiveTimeLayout)+".json")
}

// Export uploads the archive and returns its s3:// location.
func (a *Archive) Export(ctx context.Context, doc *DeviceArchive) (string, error) {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode archive: %w", err)
	}

	key := a.ObjectKey(doc.DeviceID, doc.ExportedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	location := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.logger.WithFields(logrus.Fields{
		"device_id":   doc.DeviceID,
		"location":    location,
		"commands":    len(doc.Commands),
		"access_logs": len(doc.AccessLogs),
		"size":        len(body),
	}).Info("Device archive exported")
	return location, nil
}
