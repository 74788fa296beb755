package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

var _ Store = (*S3Store)(nil)

// S3Store keeps artifacts in an S3 bucket. It is the deployment-shared
// alternative to FSStore when server replicas don't share a filesystem.
type S3Store struct {
	Client *s3.Client // required
	Bucket string     // required
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{Client: client, Bucket: bucket}
}

// uploadPartSize should be greater than or equal 5MB.
// See github.com/aws/aws-sdk-go-v2/feature/s3/manager.
const uploadPartSize = 10 * 1024 * 1024 // 10MB

// Put uploads the artifact. S3 object creation is atomic on its own, so no
// temporary-name dance is needed here.
func (s *S3Store) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}

	uploader := manager.NewUploader(s.Client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})

	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.Bucket,
		Key:    &name,
		Body:   cr,
	})
	if err != nil {
		return 0, fmt.Errorf("bundle.S3Store: put %q: %w", name, err)
	}

	err = s3.NewObjectExistsWaiter(s.Client).Wait(ctx, &s3.HeadObjectInput{
		Bucket: &s.Bucket,
		Key:    &name,
	}, time.Minute)
	if err != nil {
		return 0, fmt.Errorf("bundle.S3Store: put %q: %w", name, err)
	}

	return cr.n, nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.Bucket,
		Key:    &name,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("bundle.S3Store: open %q: %w", name, ErrArtifactMissing)
		}
		return nil, fmt.Errorf("bundle.S3Store: open %q: %w", name, err)
	}

	return out.Body, nil
}

func (s *S3Store) Remove(ctx context.Context, name string) error {
	// DeleteObject succeeds on absent keys, so a head establishes whether
	// there is anything to remove.
	_, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.Bucket,
		Key:    &name,
	})
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("bundle.S3Store: remove %q: %w", name, ErrArtifactMissing)
		}
		return fmt.Errorf("bundle.S3Store: remove %q: %w", name, err)
	}

	_, err = s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.Bucket,
		Key:    &name,
	})
	if err != nil {
		return fmt.Errorf("bundle.S3Store: remove %q: %w", name, err)
	}

	return nil
}

func isNoSuchKey(err error) bool {
	if apiErr := smithy.APIError(nil); errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

type countingReader struct {
	r io.Reader // required
	n int64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
