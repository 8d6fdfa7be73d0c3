// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mydouble-go/internal/config"
	"mydouble-go/pkg/log"
)

// ContentSigner 将资源引用转换为可直接访问的地址。
type ContentSigner interface {
	SignedURL(ctx context.Context, contentRef string) (string, error)
}

// MinIOStore 使用预签名地址暴露存储桶中的对象。
type MinIOStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Info("MinIO 客户端初始化成功")

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &MinIOStore{client: client, bucket: cfg.BucketName, expiry: expiry}, nil
}

// SignedURL 为对象生成预签名下载地址。外部 http(s) 地址原样返回。
func (s *MinIOStore) SignedURL(ctx context.Context, contentRef string) (string, error) {
	if isExternal(contentRef) {
		return contentRef, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, contentRef, s.expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return u.String(), nil
}

// PassthroughSigner 在未启用对象存储时使用，只接受外部地址。
type PassthroughSigner struct{}

func (PassthroughSigner) SignedURL(ctx context.Context, contentRef string) (string, error) {
	if isExternal(contentRef) {
		return contentRef, nil
	}
	return "/static/" + strings.TrimPrefix(contentRef, "/"), nil
}

func isExternal(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
