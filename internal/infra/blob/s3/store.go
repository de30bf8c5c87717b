// Package s3 stores archive objects in an S3-compatible bucket (AWS S3 or MinIO).
package s3

import (
	"applicatorsync/internal/infra/blob/core"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const checksumMetaKey = "sha256"

// Store implements core.Store on a single bucket. Keys map to object keys
// directly.
type Store struct {
	client *s3.Client
	bucket string
}

// Config holds explicit construction parameters. Static credentials are
// optional; without them the default AWS credential chain applies.
type Config struct {
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// Environment variables:
//   APPLICATORSYNC_BLOB_S3_BUCKET=<bucket> (required)
//   APPLICATORSYNC_BLOB_S3_REGION=<region> (default us-east-1)
//   APPLICATORSYNC_BLOB_S3_ENDPOINT=<url> (optional, for MinIO)
//   APPLICATORSYNC_BLOB_S3_PATH_STYLE=true|false (default false)
//   APPLICATORSYNC_BLOB_S3_ACCESS_KEY_ID / APPLICATORSYNC_BLOB_S3_SECRET_ACCESS_KEY (optional)

// New creates a store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("s3 static credentials need both access key id and secret")
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// OpenFromEnv constructs a store from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("APPLICATORSYNC_BLOB_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("APPLICATORSYNC_BLOB_S3_BUCKET required for s3 driver")
	}
	return New(ctx, Config{
		Bucket:          bucket,
		Region:          os.Getenv("APPLICATORSYNC_BLOB_S3_REGION"),
		Endpoint:        os.Getenv("APPLICATORSYNC_BLOB_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("APPLICATORSYNC_BLOB_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("APPLICATORSYNC_BLOB_S3_SECRET_ACCESS_KEY"),
		PathStyle:       strings.EqualFold(os.Getenv("APPLICATORSYNC_BLOB_S3_PATH_STYLE"), "true"),
	})
}

func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Bucket returns the target bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Put uploads r under key with If-None-Match, so an existing object is never
// replaced.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Object, error) {
	key, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return core.Object{}, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err == nil {
		return core.Object{}, core.ErrExists
	} else if !isNotFound(err) {
		return core.Object{}, err
	}
	sum := sha256.Sum256(data)
	meta := core.CloneMetadata(opts.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[checksumMetaKey] = hex.EncodeToString(sum[:])
	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
		Metadata:    meta,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if statusCode(err) == http.StatusPreconditionFailed {
			return core.Object{}, core.ErrExists
		}
		return core.Object{}, err
	}
	return core.Object{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: opts.ContentType,
		SHA256:      meta[checksumMetaKey],
		Metadata:    userMetadata(meta),
		StoredAt:    time.Now().UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (core.Object, io.ReadCloser, error) {
	key, err := core.CleanKey(key)
	if err != nil {
		return core.Object{}, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return core.Object{}, nil, core.ErrNotFound
		}
		return core.Object{}, nil, err
	}
	info := core.Object{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		SHA256:      out.Metadata[checksumMetaKey],
		Metadata:    userMetadata(out.Metadata),
		StoredAt:    aws.ToTime(out.LastModified),
	}
	return info, out.Body, nil
}

// List pages through ListObjectsV2. Listing does not return user metadata,
// so only key, size and modification time are populated.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Object, error) {
	var objects []core.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &prefix})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, core.Object{
				Key:      aws.ToString(obj.Key),
				Size:     aws.ToInt64(obj.Size),
				StoredAt: aws.ToTime(obj.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func userMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if k != checksumMetaKey {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk) || statusCode(err) == http.StatusNotFound
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
