// Package archive provides the 'archive_upload' job type: it uploads a
// local file into an S3-compatible object store, creating the bucket when
// missing, and records the object's location and etag as output.
package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the 'archive_upload' job type into the registry. Object
// store endpoints flake under load, so the default policy backs off
// exponentially.
func (Module) Register(r *registry.Registry) error {
	return r.RegisterJob("archive_upload", &registry.RegisteredJob{
		New: func() job.Job { return &uploadJob{newClient: newMinIOClient} },
		Retry: job.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     job.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	})
}

// objectClient is the slice of the minio client the job uses, split out so
// tests can run without an object store.
type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

func newMinIOClient(endpoint, accessKey, secretKey, region string, secure bool) (objectClient, error) {
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: region,
	})
}

type uploadJob struct {
	newClient func(endpoint, accessKey, secretKey, region string, secure bool) (objectClient, error)
}

func (j *uploadJob) Execute(ctx context.Context, params map[string]any) job.Result {
	endpoint, err := job.StringParam(params, "endpoint")
	if err != nil {
		return job.Fail(err.Error())
	}
	accessKey, err := job.StringParam(params, "access_key")
	if err != nil {
		return job.Fail(err.Error())
	}
	secretKey, err := job.StringParam(params, "secret_key")
	if err != nil {
		return job.Fail(err.Error())
	}
	bucket, err := job.StringParam(params, "bucket")
	if err != nil {
		return job.Fail(err.Error())
	}
	sourcePath, err := job.StringParam(params, "source_path")
	if err != nil {
		return job.Fail(err.Error())
	}
	objectName, err := job.OptionalString(params, "object_name", filepath.Base(sourcePath))
	if err != nil {
		return job.Fail(err.Error())
	}
	region, err := job.OptionalString(params, "region", "")
	if err != nil {
		return job.Fail(err.Error())
	}
	secure, err := job.OptionalBool(params, "secure", true)
	if err != nil {
		return job.Fail(err.Error())
	}
	contentType, err := job.OptionalString(params, "content_type", "application/octet-stream")
	if err != nil {
		return job.Fail(err.Error())
	}

	logger := ctxlog.FromContext(ctx).With("bucket", bucket, "object", objectName)

	client, err := j.newClient(endpoint, accessKey, secretKey, region, secure)
	if err != nil {
		return job.Fail(fmt.Sprintf("creating object store client: %v", err))
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return job.Fail(fmt.Sprintf("checking bucket: %v", err))
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return job.Fail(fmt.Sprintf("creating bucket: %v", err))
		}
		logger.Info("created bucket")
	}

	info, err := client.FPutObject(ctx, bucket, objectName, sourcePath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return job.Fail(fmt.Sprintf("uploading %s: %v", sourcePath, err))
	}

	logger.Info("archived file", "source", sourcePath, "size", info.Size)
	return job.Ok(map[string]any{
		"bucket": info.Bucket,
		"key":    info.Key,
		"etag":   info.ETag,
		"size":   int(info.Size),
	})
}
