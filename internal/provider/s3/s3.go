// Package s3 stores sync objects in an S3 compatible bucket. Create-only and rev-gated writes map
// to the conditional PutObject headers If-None-Match and If-Match.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/pfsync/internal/provider"
	"github.com/openmined/pfsync/internal/rev"
)

const (
	ProviderID = "s3"

	defaultMaxConcurrent = 8
)

type Config struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	Prefix        string
	MaxConcurrent int
	UseAccelerate bool
}

// s3API is the part of the S3 client the provider uses.
type s3API interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
}

var _ s3API = (*awss3.Client)(nil)

type Provider struct {
	api s3API
	cfg Config
}

var _ provider.Provider = (*Provider)(nil)

// New builds a provider with a real S3 client. A custom endpoint (MinIO and friends) switches to
// path style addressing.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   max(cfg.MaxConcurrent, defaultMaxConcurrent),
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 60 * time.Second,
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.UseAccelerate = cfg.UseAccelerate
	})

	return newWithAPI(client, cfg), nil
}

func newWithAPI(api s3API, cfg Config) *Provider {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Provider{api: api, cfg: cfg}
}

func (p *Provider) ID() string {
	return ProviderID
}

func (p *Provider) MaxConcurrentRequests() int {
	return p.cfg.MaxConcurrent
}

// IsReady checks that the bucket is reachable with the configured credentials.
func (p *Provider) IsReady(ctx context.Context) (bool, error) {
	_, err := p.api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: &p.cfg.Bucket})
	if err != nil {
		slog.Warn("s3 bucket not reachable", "bucket", p.cfg.Bucket, "error", err)
		return false, nil
	}
	return true, nil
}

func (p *Provider) UploadFile(ctx context.Context, name, data, expectedRev string, overwrite bool) (string, error) {
	key := p.key(name)
	input := &awss3.PutObjectInput{
		Bucket:        &p.cfg.Bucket,
		Key:           &key,
		Body:          strings.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
	}
	if !overwrite {
		if expectedRev == "" {
			input.IfNoneMatch = aws.String("*")
		} else {
			input.IfMatch = aws.String(quoteETag(expectedRev))
		}
	}

	resp, err := p.api.PutObject(ctx, input)
	if err != nil {
		return "", provider.Wrap("upload", name, p.mapError(err, expectedRev == ""))
	}
	return rev.CleanRev(aws.ToString(resp.ETag)), nil
}

func (p *Provider) DownloadFile(ctx context.Context, name, expectedRev string) (*provider.DownloadResult, error) {
	key := p.key(name)
	input := &awss3.GetObjectInput{
		Bucket: &p.cfg.Bucket,
		Key:    &key,
	}
	if expectedRev != "" {
		input.IfMatch = aws.String(quoteETag(expectedRev))
	}

	resp, err := p.api.GetObject(ctx, input)
	if err != nil {
		return nil, provider.Wrap("download", name, p.mapError(err, false))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Wrap("download", name, err)
	}
	return &provider.DownloadResult{
		Data: string(body),
		Rev:  rev.CleanRev(aws.ToString(resp.ETag)),
	}, nil
}

// RemoveFile deletes the object. S3 deletes are idempotent, so a missing object is detected with
// a HEAD first.
func (p *Provider) RemoveFile(ctx context.Context, name string) error {
	if _, err := p.GetFileRev(ctx, name, ""); err != nil {
		return err
	}

	key := p.key(name)
	_, err := p.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: &p.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return provider.Wrap("remove", name, p.mapError(err, false))
	}
	return nil
}

func (p *Provider) GetFileRev(ctx context.Context, name, _ string) (string, error) {
	key := p.key(name)
	resp, err := p.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: &p.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return "", provider.Wrap("rev", name, p.mapError(err, false))
	}
	return rev.CleanRev(aws.ToString(resp.ETag)), nil
}

func (p *Provider) key(name string) string {
	if p.cfg.Prefix == "" {
		return name
	}
	return path.Join(p.cfg.Prefix, name)
}

// mapError turns S3 error codes into provider errors. A failed precondition means the object
// exists for create-only writes and a different ETag otherwise.
func (p *Provider) mapError(err error, createOnly bool) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return provider.ErrNoRemoteData
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return provider.ErrNoRemoteData
		case "PreconditionFailed", "ConditionalRequestConflict":
			if createOnly {
				return provider.ErrAlreadyExists
			}
			return provider.ErrRevMismatch
		}
	}
	return err
}

func quoteETag(r string) string {
	return `"` + rev.CleanRev(r) + `"`
}
