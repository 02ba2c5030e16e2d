package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharedcode/playerstore"
)

// S3Config configures an S3-backed DocStore for talking to an
// S3-compatible endpoint (AWS or a self-hosted Minio).
type S3Config struct {
	HostEndpointURL string
	Region          string
	Username        string
	Password        string
	Bucket          string
}

type s3Store struct {
	client *s3.Client
	bucket string
}

// OpenS3 connects to cfg's endpoint and returns a DocStore backed by a
// single bucket, one object per key.
func OpenS3(ctx context.Context, cfg S3Config) (*s3Store, error) {
	var client *s3.Client
	if cfg.HostEndpointURL != "" {
		client = s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.HostEndpointURL)
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.Username, cfg.Password, "")
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("docstore: s3: load config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg)
	}
	return &s3Store{client: client, bucket: cfg.Bucket}, nil
}

// Get implements playerstore.DocStore.
func (s *s3Store) Get(ctx context.Context, key string) (playerstore.Document, playerstore.DocMeta, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return playerstore.Document{}, playerstore.DocMeta{}, false, nil
		}
		return playerstore.Document{}, playerstore.DocMeta{}, false, fmt.Errorf("docstore: s3: get %q: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return playerstore.Document{}, playerstore.DocMeta{}, false, fmt.Errorf("docstore: s3: read %q: %w", key, err)
	}
	doc, err := decodeDocument(body, 0)
	if err != nil {
		return playerstore.Document{}, playerstore.DocMeta{}, false, err
	}
	return doc, playerstore.DocMeta{Version: doc.Version, Size: len(body)}, true, nil
}

// Put implements playerstore.DocStore using S3 conditional writes
// (If-Match/If-None-Match), the closest native analogue to the versioned
// CAS a lightweight transaction gives a row-oriented store. A monotonic
// version counter is carried inside the object body itself, threaded
// through the caller's expectedVersion/newVersion, since S3 has no
// server-side counter of its own.
func (s *s3Store) Put(ctx context.Context, key string, doc playerstore.Document, expectedVersion int64) (int64, bool, error) {
	newVersion := expectedVersion + 1
	body, err := encodeMeta(doc, newVersion)
	if err != nil {
		return 0, false, err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if expectedVersion == 0 {
		input.IfNoneMatch = aws.String("*")
	} else {
		etag, err := s.currentETag(ctx, key)
		if err != nil {
			return 0, false, err
		}
		if etag == "" {
			return 0, false, nil
		}
		input.IfMatch = aws.String(etag)
	}

	_, err = s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("docstore: s3: put %q: %w", key, err)
	}
	return newVersion, true, nil
}

// Delete implements playerstore.DocStore.
func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("docstore: s3: delete %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) currentETag(ctx context.Context, key string) (string, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return "", nil
		}
		return "", fmt.Errorf("docstore: s3: head %q: %w", key, err)
	}
	return aws.ToString(head.ETag), nil
}

func isPreconditionFailed(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict"
	}
	return false
}

var _ playerstore.DocStore = (*s3Store)(nil)
