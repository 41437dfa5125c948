package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"data-rsync/internal/errs"

	"github.com/minio/minio-go/v7"
)

// Archiver 一致性报告归档
type Archiver interface {
	Archive(ctx context.Context, taskID uint, runID string, report interface{}) (string, error)
}

// ObjectKey reports/<task>/<run>.json
func ObjectKey(taskID uint, runID string) string {
	return fmt.Sprintf("reports/%d/%s.json", taskID, runID)
}

// MinioArchiver 报告以 JSON 写入对象存储
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(client *minio.Client, bucket string) *MinioArchiver {
	return &MinioArchiver{client: client, bucket: bucket}
}

func (a *MinioArchiver) Archive(ctx context.Context, taskID uint, runID string, report interface{}) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", errs.Data("report.archive", err)
	}
	key := ObjectKey(taskID, runID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", errs.Transient("report.archive", err).WithField("key", key)
	}
	return key, nil
}

// MemoryArchiver 不接对象存储时使用, 只保留在内存中
type MemoryArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{objects: make(map[string][]byte)}
}

func (a *MemoryArchiver) Archive(_ context.Context, taskID uint, runID string, report interface{}) (string, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return "", errs.Data("report.archive", err)
	}
	key := ObjectKey(taskID, runID)
	a.mu.Lock()
	a.objects[key] = body
	a.mu.Unlock()
	return key, nil
}

func (a *MemoryArchiver) Object(key string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.objects[key]
	return b, ok
}
