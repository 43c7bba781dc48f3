package config

import (
	"os"
	"strings"
)

// localS3Config points at the minio container of the local compose setup.
func localS3Config() S3Config {
	return S3Config{
		Endpoint:  firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_ENDPOINT")), "minio:9000"),
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER")), "scriptresolver"),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD")), "scriptresolver123"),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("STORAGE_S3_BUCKET")), "script-cache"),
		Prefix:    strings.TrimSpace(os.Getenv("STORAGE_S3_PREFIX")),
		UseSSL:    false,
	}
}
