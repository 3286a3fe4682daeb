package cloud

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/input-output-hk/catalyst-forge-pkgdist/artifact"
)

// MinioDriver stores objects with the MinIO client, for S3-compatible
// distribution points and environments without the AWS SDK config chain.
type MinioDriver struct {
	endpoint string
	insecure bool
	partSize uint64
	logger   *slog.Logger
}

// MinioOption configures a MinioDriver.
type MinioOption func(*MinioDriver)

// WithMinioEndpoint sets the storage host (host[:port]). Defaults to the
// regional AWS endpoint of the issued credentials.
func WithMinioEndpoint(endpoint string, insecure bool) MinioOption {
	return func(d *MinioDriver) {
		d.endpoint = endpoint
		d.insecure = insecure
	}
}

// WithMinioPartSize sets the multipart part size.
func WithMinioPartSize(n int64) MinioOption {
	return func(d *MinioDriver) {
		if n > 0 {
			d.partSize = uint64(max(n, minPartSize))
		}
	}
}

// WithMinioLogger sets the driver's structured logger.
func WithMinioLogger(logger *slog.Logger) MinioOption {
	return func(d *MinioDriver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewMinioDriver creates the MinIO driver.
func NewMinioDriver(opts ...MinioOption) *MinioDriver {
	d := &MinioDriver{
		partSize: uint64(DefaultPartSize),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements Driver.
func (d *MinioDriver) Name() string {
	return "minio"
}

// Upload implements Driver.
func (d *MinioDriver) Upload(ctx context.Context, creds *Credentials, key string, pkg *artifact.Package) error {
	endpoint := d.endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", creds.Region)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: miniocreds.NewStaticV4(
			creds.AccessKeyID,
			creds.SecretAccessKey.Reveal(),
			creds.SessionToken.Reveal(),
		),
		Secure: !d.insecure,
		Region: creds.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}

	f, err := pkg.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := client.PutObject(ctx, creds.Bucket, key, f, pkg.Size, minio.PutObjectOptions{
		ContentType: pkg.ContentType,
		PartSize:    d.partSize,
	})
	if err != nil {
		return fmt.Errorf("putObject: %w", err)
	}

	d.logger.Debug("object stored", "key", key, "etag", info.ETag, "size", info.Size)
	return nil
}
