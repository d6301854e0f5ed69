package segment

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures a MinioRemote.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	Region    string
}

// MinioRemote is a Remote backed by MinIO or any S3-compatible service.
type MinioRemote struct {
	client *minio.Client
	bucket string
}

// NewMinioRemote connects to the configured endpoint and creates the bucket if
// it does not exist.
func NewMinioRemote(ctx context.Context, opts MinioOptions) (*MinioRemote, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	return &MinioRemote{client: client, bucket: opts.Bucket}, nil
}

// Upload streams a local file to key.
func (r *MinioRemote) Upload(ctx context.Context, key, localPath string) error {
	_, err := r.client.FPutObject(ctx, r.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// ReadRange performs a ranged GET.
func (r *MinioRemote) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length == 0 {
		if _, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{}); err != nil {
			return nil, r.translate(key, err)
		}
		return []byte{}, nil
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, err
	}
	obj, err := r.client.GetObject(ctx, r.bucket, key, opts)
	if err != nil {
		return nil, r.translate(key, err)
	}
	defer func() { _ = obj.Close() }()

	buf := make([]byte, length)
	if _, err := io.ReadFull(obj, buf); err != nil {
		return nil, r.translate(key, err)
	}
	return buf, nil
}

// Remove deletes key, treating a missing key as success.
func (r *MinioRemote) Remove(ctx context.Context, key string) error {
	err := r.client.RemoveObject(ctx, r.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return err
	}
	return nil
}

// List returns all objects under prefix.
func (r *MinioRemote) List(ctx context.Context, prefix string) ([]RemoteObject, error) {
	var out []RemoteObject
	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, RemoteObject{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

func (r *MinioRemote) translate(key string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "InvalidRange" {
		return fmt.Errorf("read %s: %w", key, ErrOutOfRange)
	}
	return Transient(fmt.Errorf("read %s: %w", key, err))
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
