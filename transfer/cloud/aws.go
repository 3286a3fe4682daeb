package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
)

const (
	// DefaultMultipartThreshold is the size above which uploads are split into parts.
	DefaultMultipartThreshold int64 = 100 << 20

	// DefaultPartSize is the multipart part size.
	DefaultPartSize int64 = 8 << 20

	// minPartSize is the smallest part storage accepts (except the last).
	minPartSize int64 = 5 << 20
)

// AWSDriver stores objects with the AWS SDK. Small files go up in a single
// PutObject; larger ones use a multipart upload that is aborted on failure.
type AWSDriver struct {
	threshold int64
	partSize  int64
	endpoint  string
	logger    *slog.Logger

	// newClient builds the S3 client from the issued credentials
	newClient func(ctx context.Context, creds *Credentials, endpoint string) (S3API, error)
}

// AWSOption configures an AWSDriver.
type AWSOption func(*AWSDriver)

// WithMultipartThreshold sets the size above which multipart upload is used.
func WithMultipartThreshold(n int64) AWSOption {
	return func(d *AWSDriver) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithPartSize sets the multipart part size. Values below the storage
// minimum are raised to it.
func WithPartSize(n int64) AWSOption {
	return func(d *AWSDriver) {
		if n > 0 {
			d.partSize = max(n, minPartSize)
		}
	}
}

// WithEndpoint points the driver at an S3-compatible endpoint instead of AWS.
func WithEndpoint(endpoint string) AWSOption {
	return func(d *AWSDriver) {
		d.endpoint = endpoint
	}
}

// WithDriverLogger sets the driver's structured logger.
func WithDriverLogger(logger *slog.Logger) AWSOption {
	return func(d *AWSDriver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// withS3Client replaces the client factory; used by tests.
func withS3Client(client S3API) AWSOption {
	return func(d *AWSDriver) {
		d.newClient = func(context.Context, *Credentials, string) (S3API, error) {
			return client, nil
		}
	}
}

// NewAWSDriver creates the AWS SDK driver.
func NewAWSDriver(opts ...AWSOption) *AWSDriver {
	d := &AWSDriver{
		threshold: DefaultMultipartThreshold,
		partSize:  DefaultPartSize,
		logger:    slog.Default(),
		newClient: newS3Client,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// newS3Client builds an S3 client bound to the issued static credentials.
//
//nolint:ireturn // the driver works against S3API so tests can substitute it.
func newS3Client(ctx context.Context, creds *Credentials, endpoint string) (S3API, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(creds.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey.Reveal(),
			creds.SessionToken.Reveal(),
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Name implements Driver.
func (d *AWSDriver) Name() string {
	return "aws"
}

// Upload implements Driver.
func (d *AWSDriver) Upload(ctx context.Context, creds *Credentials, key string, pkg *artifact.Package) error {
	client, err := d.newClient(ctx, creds, d.endpoint)
	if err != nil {
		return err
	}

	f, err := pkg.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	if pkg.Size <= d.threshold {
		return d.putObject(ctx, client, creds.Bucket, key, f, pkg)
	}
	return d.multipartUpload(ctx, client, creds.Bucket, key, f, pkg)
}

func (d *AWSDriver) putObject(ctx context.Context, client S3API, bucket, key string, r io.Reader, pkg *artifact.Package) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(pkg.Size),
		ContentType:   aws.String(pkg.ContentType),
	}
	if sum, err := hex.DecodeString(pkg.MD5); err == nil {
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(sum))
	}

	if _, err := client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("putObject: %w", err)
	}
	return nil
}

// multipartUpload streams r in parts of partSize. Parts are read one at a
// time so memory use is bounded by a single part.
func (d *AWSDriver) multipartUpload(ctx context.Context, client S3API, bucket, key string, r io.Reader, pkg *artifact.Package) error {
	created, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(pkg.ContentType),
	})
	if err != nil {
		return fmt.Errorf("createMultipartUpload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	parts, err := d.uploadParts(ctx, client, bucket, key, uploadID, r)
	if err != nil {
		d.abort(ctx, client, bucket, key, uploadID)
		return err
	}

	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		d.abort(ctx, client, bucket, key, uploadID)
		return fmt.Errorf("completeMultipartUpload: %w", err)
	}
	return nil
}

func (d *AWSDriver) uploadParts(ctx context.Context, client S3API, bucket, key, uploadID string, r io.Reader) ([]awstypes.CompletedPart, error) {
	var parts []awstypes.CompletedPart
	buf := make([]byte, d.partSize)

	for n := int32(1); ; n++ {
		read, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read part %d: %w", n, err)
		}

		out, uerr := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(n),
			Body:          bytes.NewReader(buf[:read]),
			ContentLength: aws.Int64(int64(read)),
		})
		if uerr != nil {
			return nil, fmt.Errorf("uploadPart %d: %w", n, uerr)
		}
		parts = append(parts, awstypes.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(n),
		})
		d.logger.Debug("uploaded part", "key", key, "part", n, "bytes", read)

		if errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
	}
	return parts, nil
}

// abort cleans up a failed multipart upload. It runs even when ctx is done.
func (d *AWSDriver) abort(ctx context.Context, client S3API, bucket, key, uploadID string) {
	_, err := client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		d.logger.Warn("failed to abort multipart upload", "key", key, "upload_id", uploadID, "error", err)
	}
}
