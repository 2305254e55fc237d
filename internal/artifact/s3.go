package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// #region uploader
// Uploader copies run artifacts to a bucket.
type Uploader interface {
	Upload(ctx context.Context, files []string, keyPrefix string) ([]string, error)
}

// S3Uploader mirrors local files under bucket/prefix.
type S3Uploader struct {
	svc    s3iface.S3API
	bucket string
	prefix string
}

// NewS3Uploader creates an uploader with a session for region.
func NewS3Uploader(region, bucket, prefix string) (*S3Uploader, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return NewS3UploaderWithClient(s3.New(sess), bucket, prefix), nil
}

// NewS3UploaderWithClient wraps an existing client.
func NewS3UploaderWithClient(svc s3iface.S3API, bucket, prefix string) *S3Uploader {
	return &S3Uploader{svc: svc, bucket: bucket, prefix: prefix}
}

// Upload puts each file at <prefix>/<keyPrefix>/<base name> and returns the
// object keys. Missing files are skipped.
func (u *S3Uploader) Upload(ctx context.Context, files []string, keyPrefix string) ([]string, error) {
	var keys []string
	for _, file := range files {
		data, err := os.ReadFile(file)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return keys, fmt.Errorf("read %s: %w", file, err)
		}
		key := path.Join(u.prefix, keyPrefix, filepath.Base(file))
		_, err = u.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return keys, fmt.Errorf("upload s3://%s/%s: %w", u.bucket, key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// #endregion uploader
