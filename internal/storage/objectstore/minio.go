package objectstore

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	xerrors "DataPilot/internal/errors"
	"DataPilot/pkg/logger"
)

// Config 描述 MinIO / S3 连接参数。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIO 基于 minio-go 访问 S3 兼容存储。
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO 创建客户端，bucket 不存在时自动创建。
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对象存储 endpoint 不能为空")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对象存储 bucket 不能为空")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建对象存储客户端失败")
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeObjectStoreFailure, err, "检查 bucket 失败")
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeObjectStoreFailure, err, "创建 bucket 失败")
		}
		logger.Named("objectstore").Info("已创建 bucket", slog.String("bucket", bucket))
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

// Put 实现 ObjectStore 接口。
func (s *MinIO) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return xerrors.Wrap(xerrors.CodeObjectStoreFailure, err, "上传对象失败: "+key)
	}
	return nil
}

// Get 实现 ObjectStore 接口。
func (s *MinIO) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap(err, key)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap(err, key)
	}
	return data, nil
}

// Stat 实现 ObjectStore 接口，对象不存在时返回 false。
func (s *MinIO) Stat(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrap(err, key)
	}
	return true, nil
}

// List 实现 ObjectStore 接口，递归列出 prefix 下的全部对象。
func (s *MinIO) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, xerrors.Wrap(xerrors.CodeObjectStoreFailure, obj.Err, "列出对象失败: "+prefix)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *MinIO) wrap(err error, key string) error {
	if isNotFound(err) {
		return xerrors.Wrap(xerrors.CodeNotFound, err, "object "+key+" not found")
	}
	return xerrors.Wrap(xerrors.CodeObjectStoreFailure, err, "读取对象失败: "+key)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

var _ ObjectStore = (*MinIO)(nil)
