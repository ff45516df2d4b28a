package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the part of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// NewS3Client builds a client from the shared AWS config. A non-empty
// endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Client(cfg aws.Config, endpoint string) *s3.Client {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: cfg.Credentials,
		HTTPClient:  cfg.HTTPClient,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

type S3Store struct {
	client   S3API
	bucket   string
	region   string
	endpoint string
}

func NewS3Store(client S3API, bucket, region, endpoint string) *S3Store {
	return &S3Store{client: client, bucket: bucket, region: region, endpoint: strings.TrimRight(endpoint, "/")}
}

const (
	metaPatientID = "patient-id"
	metaCategory  = "category"
	metaFileName  = "file-name"
	metaHash      = "sha256"
)

func (s *S3Store) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(meta.Key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		Metadata: map[string]string{
			metaPatientID: strconv.FormatInt(meta.PatientID, 10),
			metaCategory:  meta.Category,
			metaFileName:  meta.FileName,
			metaHash:      meta.Hash,
		},
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put %s: %w", meta.Key, err)
	}

	meta.URL = s.objectURL(meta.Key)
	return &meta, nil
}

func (s *S3Store) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, s.translate(key, err)
	}
	meta := s.metadataFrom(key, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	if out.LastModified != nil {
		meta.CreatedAt = *out.LastModified
	}
	return out.Body, meta, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.GetMetadata(ctx, key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetMetadata(ctx context.Context, key string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.translate(key, err)
	}
	meta := s.metadataFrom(key, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	if out.LastModified != nil {
		meta.CreatedAt = *out.LastModified
	}
	return meta, nil
}

func (s *S3Store) metadataFrom(key string, md map[string]string, contentType string, size int64) *BlobMetadata {
	patientID, _ := strconv.ParseInt(md[metaPatientID], 10, 64)
	return &BlobMetadata{
		Key:         key,
		URL:         s.objectURL(key),
		FileName:    md[metaFileName],
		ContentType: contentType,
		Size:        size,
		PatientID:   patientID,
		Category:    md[metaCategory],
		Hash:        md[metaHash],
	}
}

func (s *S3Store) objectURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func (s *S3Store) translate(key string, err error) error {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		return ErrBlobNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return ErrBlobNotFound
	}
	return fmt.Errorf("s3 %s: %w", key, err)
}
