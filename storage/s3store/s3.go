// Package s3store implements the s3:// storage backend on aws-sdk-go-v2.
//
// The root URL names the bucket and key prefix; the query carries the
// client settings:
//
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&force_path_style=true
//
// Recognised parameters are region, endpoint, access_key_id,
// secret_access_key, session_token and force_path_style. Without static
// keys the default AWS credential chain is used.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/pkg/retry"
	"github.com/c360/tapstream/storage"
)

// Scheme is the URL scheme this backend is registered under.
const Scheme = "s3"

// URL query parameters.
const (
	ParamRegion          = "region"
	ParamEndpoint        = "endpoint"
	ParamAccessKeyID     = "access_key_id"
	ParamSecretAccessKey = "secret_access_key"
	ParamSessionToken    = "session_token"
	ParamForcePathStyle  = "force_path_style"
)

// API is the subset of the S3 client the backend uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend stores objects under a bucket key prefix. Objects are buffered in
// memory and uploaded when their writer is closed.
type Backend struct {
	bucket string
	prefix string
	api    API
	retry  retry.Policy
	logger *slog.Logger
}

// New is the storage.Factory for s3 URLs.
func New(ctx context.Context, root *url.URL) (storage.Backend, error) {
	if root.Host == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: s3 URL %q has no bucket", errors.ErrInvalidConfig, root.Redacted()),
			"s3store", "New", "resolve bucket")
	}
	q := root.Query()

	var loadOpts []func(*config.LoadOptions) error
	if region := q.Get(ParamRegion); region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if id, secret := q.Get(ParamAccessKeyID), q.Get(ParamSecretAccessKey); id != "" && secret != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, q.Get(ParamSessionToken))))
	}

	pathStyle := false
	if raw := q.Get(ParamForcePathStyle); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %s=%q", errors.ErrInvalidConfig, ParamForcePathStyle, raw),
				"s3store", "New", "parse parameters")
		}
		pathStyle = v
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "s3store", "New", "load aws config")
	}

	endpoint := q.Get(ParamEndpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return newWithAPI(root.Host, root.Path, client, errors.RetryPolicy()), nil
}

func newWithAPI(bucket, prefix string, api API, policy retry.Policy) *Backend {
	return &Backend{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		api:    api,
		retry:  policy,
		logger: slog.Default().With("component", "s3store", "bucket", bucket),
	}
}

func (b *Backend) key(name string) string {
	name = strings.TrimLeft(name, "/")
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}

// OpenWrite returns a buffer that is uploaded on Close.
func (b *Backend) OpenWrite(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.Trim(name, "/") == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty object name", errors.ErrInvalidArgument),
			"s3store", "OpenWrite", "resolve key")
	}
	return &object{ctx: ctx, backend: b, key: b.key(name)}, nil
}

func (b *Backend) put(ctx context.Context, key string, body []byte) error {
	p := b.retry
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		b.logger.Warn("upload failed, retrying",
			"key", key, "attempt", attempt, "wait", wait, "error", err)
	}
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		return err
	})
	if err != nil {
		return errors.Wrap(err, "s3store", "put", fmt.Sprintf("put object %s", key))
	}
	b.logger.Debug("uploaded object", "key", key, "size", humanize.Bytes(uint64(len(body))))
	return nil
}

// List pages through ListObjectsV2 and returns names relative to the root.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	rootPrefix := ""
	if b.prefix != "" {
		rootPrefix = b.prefix + "/"
	}

	var names []string
	var token *string
	for {
		out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(rootPrefix + prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errors.Wrap(err, "s3store", "List", "list objects")
		}
		for _, obj := range out.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), rootPrefix))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

// URL returns the s3 URL of name.
func (b *Backend) URL(name string) string {
	return "s3://" + b.bucket + "/" + b.key(name)
}

// Close is a no-op; the client holds no connections that need releasing.
func (b *Backend) Close() error {
	return nil
}

type object struct {
	ctx     context.Context
	backend *Backend
	key     string
	buf     bytes.Buffer
	mu      sync.Mutex
	closed  bool
}

func (o *object) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("write to closed object %s", o.key)
	}
	return o.buf.Write(p)
}

// Abort drops the buffered body without uploading it.
func (o *object) Abort() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		o.buf.Reset()
		o.backend.logger.Debug("discarded unfinished object", "key", o.key)
	}
	return nil
}

func (o *object) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	return o.backend.put(o.ctx, o.key, o.buf.Bytes())
}
