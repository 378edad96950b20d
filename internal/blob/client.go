// Package blob talks to the S3-compatible object store holding backed up
// payloads, metadata documents, and state mirrors. All keys are relative to a
// configured namespace prefix so several mailboxes can share one bucket.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/mailvault/internal/common"
)

// Options configures a Client.
type Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Client wraps the S3 API with prefix-relative keys and JSON helpers.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// declared as a variable to allow stubbing in tests
var loadAWSConfig = awsconfig.LoadDefaultConfig

// New builds a Client for the given endpoint and bucket. Static credentials
// are used when provided; otherwise the SDK default chain applies (AWS_*
// environment variables, shared config files).
func New(ctx context.Context, opts Options) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := loadAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = true
	})
	return &Client{
		s3:     client,
		bucket: opts.Bucket,
		prefix: strings.TrimRight(opts.Prefix, "/"),
	}, nil
}

// WithPrefix returns a copy of the client bound to another namespace prefix.
func (c *Client) WithPrefix(prefix string) *Client {
	return &Client{s3: c.s3, bucket: c.bucket, prefix: strings.TrimRight(prefix, "/")}
}

// Prefix returns the namespace prefix this client is bound to.
func (c *Client) Prefix() string { return c.prefix }

// Key returns the absolute object key for a prefix-relative one.
func (c *Client) Key(rel string) string {
	rel = strings.TrimLeft(rel, "/")
	if c.prefix == "" {
		return rel
	}
	return c.prefix + "/" + rel
}

func (c *Client) relKey(abs string) string {
	if c.prefix != "" && strings.HasPrefix(abs, c.prefix+"/") {
		return abs[len(c.prefix)+1:]
	}
	return abs
}

// Put uploads data under the given relative key.
func (c *Client) Put(ctx context.Context, rel string, data []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.Key(rel)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := c.s3.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", rel, err)
	}
	return nil
}

// PutJSON uploads v as indented JSON under the given relative key.
func (c *Client) PutJSON(ctx context.Context, rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return c.Put(ctx, rel, data, "application/json")
}

// Get downloads the object at the given relative key. A missing object is
// reported as common.ErrNotFound.
func (c *Client) Get(ctx context.Context, rel string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.Key(rel)),
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("get %s: %w", rel, common.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", rel, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// GetJSON downloads and decodes a JSON object into out.
func (c *Client) GetJSON(ctx context.Context, rel string, out any) error {
	data, err := c.Get(ctx, rel)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", rel, err)
	}
	return nil
}

// Exists reports whether an object is present at the given relative key.
func (c *Client) Exists(ctx context.Context, rel string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.Key(rel)),
	})
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", rel, err)
	}
	return true, nil
}

// Object describes one stored object in a listing.
type Object struct {
	Key          string // relative to the configured prefix
	Size         int64
	LastModified time.Time
}

// List walks every object under the given relative key prefix in
// lexicographic order, invoking fn with prefix-relative keys. Iteration stops
// on the first error returned by fn.
func (c *Client) List(ctx context.Context, relPrefix string, fn func(Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.Key(relPrefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", relPrefix, err)
		}
		for _, item := range page.Contents {
			if item.Key == nil {
				continue
			}
			obj := Object{Key: c.relKey(*item.Key)}
			if item.Size != nil {
				obj.Size = *item.Size
			}
			if item.LastModified != nil {
				obj.LastModified = *item.LastModified
			}
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsNotFound reports whether err denotes a missing object.
func IsNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
