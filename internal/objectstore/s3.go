// Package objectstore wraps the presigned-URL surface of the video object
// store. Upload/download of actual bytes is the caller's job; this package
// only mints presigned URLs and performs the downloads the Evaluator
// Worker needs for technical validation.
package objectstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const downloadTimeout = 2 * time.Minute

// Client presigns uploads/downloads against one S3 bucket.
type Client struct {
	bucket  string
	client  *s3.Client
	presign *s3.PresignClient
	http    *http.Client
}

// New builds a Client bound to one S3 bucket and region.
func New(ctx context.Context, bucket, region, accessKeyID, secretKey string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c := s3.NewFromConfig(cfg)
	return &Client{
		bucket:  bucket,
		client:  c,
		presign: s3.NewPresignClient(c),
		http:    &http.Client{Timeout: downloadTimeout},
	}, nil
}

// PresignedUpload is the response shape for POST /v1/upload/presign.
type PresignedUpload struct {
	URL       string
	VideoKey  string
	ExpiresAt time.Time
}

// PresignUpload mints a namespaced key uploads/{random}/{filename} and a
// presigned PUT URL for it, valid for 15 minutes.
func (c *Client) PresignUpload(ctx context.Context, filename, contentType string) (*PresignedUpload, error) {
	random, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generate upload key: %w", err)
	}
	key := path.Join("uploads", random, filename)
	expires := 15 * time.Minute

	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return nil, fmt.Errorf("presign put: %w", err)
	}
	return &PresignedUpload{URL: req.URL, VideoKey: key, ExpiresAt: time.Now().Add(expires)}, nil
}

// Download fetches the object at key with a 2-minute timeout, buffering the
// whole object from a single GetObject. Concurrent range-gets are only
// available through NewDownloader.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// NewDownloader exposes the concurrent-part downloader for callers that want
// to stream large objects into a WriterAt rather than buffering in memory.
func (c *Client) NewDownloader() *manager.Downloader {
	return manager.NewDownloader(c.client)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
