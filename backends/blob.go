package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
)

const (
	// ContentHashMetadataKey is the object metadata key holding the content
	// hash of the decoded value.
	ContentHashMetadataKey = "cache-content-hash"

	defaultRegion      = "us-east-1"
	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 3
)

// BlobConfig is everything needed to construct a Blob backend. It holds no
// live connections, so it can be handed to another process which rebuilds an
// equivalent client with NewBlob.
type BlobConfig struct {
	// URL addresses the container: http(s)://host[:port]/bucket[/prefix...].
	URL string `toml:"-"`

	// Region is the signing region. Defaults to the ambient AWS region when
	// credentials are needed, or us-east-1 for anonymous access.
	Region string `toml:"region"`

	// Profile selects a shared config profile for ambient credentials.
	Profile string `toml:"profile"`

	// Timeout bounds every individual backend call.
	Timeout time.Duration `toml:"timeout"`

	// MaxAttempts bounds reads that fail because the object was modified
	// concurrently.
	MaxAttempts int `toml:"max_attempts"`
}

func (c BlobConfig) withDefaults() BlobConfig {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// Blob is a StorageManager backed by an S3-compatible object store. Content
// hashes are kept in object metadata so GetHash never transfers the body.
type Blob struct {
	cfg       BlobConfig
	client    *s3.Client
	bucket    string
	prefix    string
	anonymous bool
	logger    *slog.Logger
}

// NewBlob creates a Blob backend. It probes the container with anonymous
// access first and, if that's denied, falls back once to the ambient
// credential chain (environment, shared config, instance roles).
func NewBlob(cfg BlobConfig, logger *slog.Logger) (*Blob, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, bucket, prefix, err := parseContainerURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	b := &Blob{
		cfg:    cfg,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}

	httpClient := awshttp.NewBuildableClient().WithTimeout(cfg.Timeout)

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	b.client = newS3Client(aws.Config{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
		HTTPClient:  httpClient,
	}, endpoint)
	b.anonymous = true

	err = b.probe()
	if err == nil {
		logger.Debug("using anonymous object store access", "url", cfg.URL)
		return b, nil
	}
	if !isAccessDenied(err) {
		return nil, fmt.Errorf("failed to probe object store: %w", err)
	}

	logger.Debug("anonymous access denied, using ambient credentials", "url", cfg.URL)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load ambient credentials: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = defaultRegion
	}

	b.client = newS3Client(awsCfg, endpoint)
	b.anonymous = false

	if err := b.probe(); err != nil {
		if isAccessDenied(err) {
			return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
		return nil, fmt.Errorf("failed to probe object store: %w", err)
	}
	return b, nil
}

func newS3Client(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
}

// parseContainerURL splits a container URL into the service endpoint, the
// bucket and an optional key prefix.
func parseContainerURL(raw string) (endpoint, bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrInvalidConnection, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", "", fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidConnection, raw)
	}

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if parts[0] == "" {
		return "", "", "", fmt.Errorf("%w: %q names no bucket", ErrInvalidConnection, raw)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return u.Scheme + "://" + u.Host, bucket, prefix, nil
}

// Config returns the configuration this backend was built from.
func (b *Blob) Config() BlobConfig {
	return b.cfg
}

// Anonymous reports whether the backend is using unauthenticated access.
func (b *Blob) Anonymous() bool {
	return b.anonymous
}

func (b *Blob) probe() error {
	ctx, cancel := b.callContext()
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		MaxKeys: aws.Int32(1),
	}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix + PathSeparator)
	}
	_, err := b.client.ListObjectsV2(ctx, input)
	return err
}

func (b *Blob) GetHash(path []string) (string, bool, error) {
	key, err := b.objectKey(path)
	if err != nil {
		return "", false, err
	}

	ctx, cancel := b.callContext()
	defer cancel()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read metadata of %s: %w", key, err)
	}

	hash, ok := lookupMetadata(out.Metadata, ContentHashMetadataKey)
	if !ok {
		return "", false, nil
	}
	return hash, true, nil
}

func (b *Blob) GetContents(path []string) ([]byte, bool, error) {
	key, err := b.objectKey(path)
	if err != nil {
		return nil, false, err
	}

	errNotFound := errors.New("not found")
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 50 * time.Millisecond
	policy := backoff.WithMaxRetries(expBackoff, uint64(b.cfg.MaxAttempts-1))

	attempt := 0
	contents, err := backoff.RetryWithData[[]byte](func() ([]byte, error) {
		attempt++
		data, err := b.download(key)
		switch {
		case err == nil:
			return data, nil
		case isNotFound(err):
			return nil, backoff.Permanent(errNotFound)
		case isConflict(err):
			b.logger.Debug("object modified during read, retrying",
				"key", key,
				"attempt", attempt,
				"error", err)
			return nil, fmt.Errorf("%w: %s: %v", ErrConflict, key, err)
		default:
			return nil, backoff.Permanent(fmt.Errorf("failed to download %s: %w", key, err))
		}
	}, policy)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return contents, true, nil
}

func (b *Blob) download(key string) ([]byte, error) {
	ctx, cancel := b.callContext()
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// PutContents uploads contents with its content hash in metadata. The object
// is always physically overwritten: conditional writes at the transport level
// have been observed to corrupt objects under concurrent writers, so the
// overwrite=false decision is made by the existence check alone.
//
// Upload failures are logged and swallowed.
func (b *Blob) PutContents(path []string, contents []byte, hash string, overwrite bool) error {
	key, err := b.objectKey(path)
	if err != nil {
		return err
	}

	if !overwrite {
		exists, err := b.exists(key)
		if err != nil {
			b.logger.Warn("failed to check for existing cache object, uploading anyway",
				"key", key,
				"error", err)
		} else if exists {
			b.logger.Debug("cache object already exists, not overwriting",
				"key", key,
				"hash", hash)
			return nil
		}
	}

	ctx, cancel := b.callContext()
	defer cancel()

	sum := sha256.Sum256(contents)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(contents),
		ContentLength:     aws.Int64(int64(len(contents))),
		ContentType:       aws.String("application/octet-stream"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
		Metadata: map[string]string{
			ContentHashMetadataKey: hash,
		},
	})
	if err != nil {
		b.logger.Error("failed to upload cache object",
			"key", key,
			"error", err)
		return nil
	}
	return nil
}

func (b *Blob) exists(key string) (bool, error) {
	ctx, cancel := b.callContext()
	defer cancel()

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *Blob) objectKey(path []string) (string, error) {
	key, err := JoinPath(path)
	if err != nil {
		return "", err
	}
	if b.prefix == "" {
		return key, nil
	}
	return b.prefix + PathSeparator + key, nil
}

func (b *Blob) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.cfg.Timeout)
}

// lookupMetadata finds key case-insensitively; S3-compatible stores differ
// in how they case user metadata.
func lookupMetadata(metadata map[string]string, key string) (string, bool) {
	if v, ok := metadata[key]; ok {
		return v, true
	}
	for k, v := range metadata {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	return apiErrorCode(err) == "NoSuchKey" || statusCode(err) == http.StatusNotFound
}

func isAccessDenied(err error) bool {
	switch apiErrorCode(err) {
	case "AccessDenied", "AllAccessDisabled", "Forbidden", "Unauthorized", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return true
	}
	code := statusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// isConflict reports whether a read failed because the object changed
// underneath it.
func isConflict(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if apiErrorCode(err) == "PreconditionFailed" {
		return true
	}
	return statusCode(err) == http.StatusPreconditionFailed
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func statusCode(err error) int {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
