package enrich

import (
	"bytes"
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
)

// Archiver stores the raw HTML of enriched articles in S3 so the original
// page survives link rot and later reprocessing.
type Archiver struct {
	client *s3.Client
	bucket string
}

// NewArchiver returns nil when no bucket is configured; archival is optional.
func NewArchiver(ctx context.Context, bucket, region string) (*Archiver, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive uploads the raw page under raw/<articleID>.html.
func (a *Archiver) Archive(ctx context.Context, articleID string, html []byte) error {
	key := fmt.Sprintf("raw/%s.html", articleID)
	contentType := "text/html; charset=utf-8"
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(html),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("archiving article %s: %w", articleID, err)
	}
	logger.Log.WithField("key", key).Debug("archived raw article html")
	return nil
}
