package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	cfg "github.com/markdave123-py/docchat/internal/config"
	"github.com/markdave123-py/docchat/internal/logger"
)

type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	region   string
	bucket   string
	prefix   string
	endpoint string
}

var _ ObjectClient = (*S3Client)(nil)

func NewS3Client(ctx context.Context, cfg *cfg.Config, log *logger.Logger) (*S3Client, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimRight(cfg.S3Endpoint, "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and other S3-compatible stores
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	log.Info("S3 object client ready", "bucket", cfg.BucketName, "region", cfg.AwsRegion, "endpoint", endpoint)

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		region:   cfg.AwsRegion,
		bucket:   cfg.BucketName,
		prefix:   cfg.S3Prefix,
		endpoint: endpoint,
	}, nil
}

func (c *S3Client) key(name string) string {
	return c.prefix + name
}

func (c *S3Client) Location(name string) string {
	if c.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, c.key(name))
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, c.key(name))
}

// Put streams r to S3 and returns the object URL.
func (c *S3Client) Put(ctx context.Context, name string, r io.Reader, contentType string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := c.uploader.Upload(ctxUpload, input); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return c.Location(name), nil
}

// Open leaves the request context untouched; a timeout here would cut the body stream.
func (c *S3Client) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	return resp.Body, nil
}

// Delete reports ErrObjectNotFound for missing keys; S3 itself would not.
func (c *S3Client) Delete(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.HeadObject(ctxDel, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("s3 head failed: %w", err)
	}

	if _, err := c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(name)),
	}); err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

// FindByPrefix relies on ListObjectsV2 returning keys in ascending order.
func (c *S3Client) FindByPrefix(ctx context.Context, prefix string) (string, error) {
	if err := validName(prefix); err != nil {
		return "", err
	}
	ctxList, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := c.client.ListObjectsV2(ctxList, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(c.key(prefix)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("s3 list failed: %w", err)
	}
	if len(out.Contents) == 0 {
		return "", ErrObjectNotFound
	}
	return strings.TrimPrefix(aws.ToString(out.Contents[0].Key), c.prefix), nil
}
