package handlers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flowtrace-labs/flowtrace-go/internal/domain"
	"github.com/flowtrace-labs/flowtrace-go/internal/protocol"
	"github.com/flowtrace-labs/flowtrace-go/internal/storage/objectstore"
)

const StorageHandlerType = "storage"

// Storage handler actions.
const (
	ActionWriteObject = "write_object"
	ActionReadObject  = "read_object"
	ActionStatObject  = "stat_object"
	ActionDelete      = "delete_object"
	ActionPresignGet  = "presign_get"
	ActionPresignPut  = "presign_put"
)

// maxInlineRead caps how much object content a read result inlines.
const maxInlineRead = 1 << 20

// StorageHandler serves object storage commands and records the data
// references the operations touch, so results carry lineage without
// the caller doing anything.
type StorageHandler struct {
	store  objectstore.Store
	bucket string
}

func NewStorageHandler(store objectstore.Store, defaultBucket string) *StorageHandler {
	if store == nil {
		return nil
	}
	return &StorageHandler{store: store, bucket: defaultBucket}
}

func (h *StorageHandler) Type() string { return StorageHandlerType }

func (h *StorageHandler) Handle(ctx context.Context, cmd protocol.Command) protocol.Result {
	switch cmd.Action {
	case ActionWriteObject:
		return h.write(ctx, cmd)
	case ActionReadObject:
		return h.read(ctx, cmd)
	case ActionStatObject:
		return h.stat(ctx, cmd)
	case ActionDelete:
		return h.delete(ctx, cmd)
	case ActionPresignGet:
		return h.presign(ctx, cmd, h.store.PresignGet)
	case ActionPresignPut:
		return h.presign(ctx, cmd, h.store.PresignPut)
	default:
		return protocol.ErrorResult(cmd, fmt.Sprintf("unsupported action %q", cmd.Action))
	}
}

func (h *StorageHandler) write(ctx context.Context, cmd protocol.Command) protocol.Result {
	bucket, key, err := h.target(cmd)
	if err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	content, err := payloadString(cmd, "content")
	if err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	contentType := payloadStringDefault(cmd, "content_type", "application/octet-stream")
	reader := strings.NewReader(content)
	if err := h.store.Put(ctx, bucket, key, reader, int64(len(content)), contentType); err != nil {
		return protocol.ErrorResult(cmd, fmt.Sprintf("write object: %v", err))
	}
	result := protocol.SuccessResult(cmd, domain.Metadata{
		"bucket": bucket,
		"key":    key,
		"size":   len(content),
	})
	result.Outputs = []domain.DataReference{objectRef(bucket, key, contentType)}
	return result
}

func (h *StorageHandler) read(ctx context.Context, cmd protocol.Command) protocol.Result {
	bucket, key, err := h.target(cmd)
	if err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	body, info, err := h.store.Get(ctx, bucket, key)
	if err != nil {
		return protocol.ErrorResult(cmd, fmt.Sprintf("read object: %v", err))
	}
	defer body.Close()
	content, err := io.ReadAll(io.LimitReader(body, maxInlineRead))
	if err != nil {
		return protocol.ErrorResult(cmd, fmt.Sprintf("read object body: %v", err))
	}
	result := protocol.SuccessResult(cmd, domain.Metadata{
		"bucket":       bucket,
		"key":          key,
		"content":      string(content),
		"content_type": info.ContentType,
		"size":         info.Size,
	})
	result.Inputs = []domain.DataReference{objectRef(bucket, key, info.ContentType)}
	return result
}

func (h *StorageHandler) stat(ctx context.Context, cmd protocol.Command) protocol.Result {
	bucket, key, err := h.target(cmd)
	if err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	info, err := h.store.Stat(ctx, bucket, key)
	if err != nil {
		return protocol.ErrorResult(cmd, fmt.Sprintf("stat object: %v", err))
	}
	result := protocol.SuccessResult(cmd, domain.Metadata{
		"bucket":        bucket,
		"key":           key,
		"size":          info.Size,
		"etag":          info.ETag,
		"content_type":  info.ContentType,
		"last_modified": info.LastModified.UTC().Format(time.RFC3339),
	})
	result.Inputs = []domain.DataReference{objectRef(bucket, key, info.ContentType)}
	return result
}

func (h *StorageHandler) delete(ctx context.Context, cmd protocol.Command) protocol.Result {
	bucket, key, err := h.target(cmd)
	if err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	if err := h.store.Delete(ctx, bucket, key); err != nil {
		return protocol.ErrorResult(cmd, fmt.Sprintf("delete object: %v", err))
	}
	return protocol.SuccessResult(cmd, domain.Metadata{"bucket": bucket, "key": key})
}

func (h *StorageHandler) presign(ctx context.Context, cmd protocol.Command, sign func(context.Context, string, string, time.Duration) (string, error)) protocol.Result {
	bucket, key, err := h.target(cmd)
	if err != nil {
		return protocol.ErrorResult(cmd, err.Error())
	}
	ttl := 10 * time.Minute
	if v, ok := cmd.Payload["ttl_seconds"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			ttl = time.Duration(f) * time.Second
		}
	}
	url, err := sign(ctx, bucket, key, ttl)
	if err != nil {
		return protocol.ErrorResult(cmd, fmt.Sprintf("presign: %v", err))
	}
	return protocol.SuccessResult(cmd, domain.Metadata{
		"bucket":      bucket,
		"key":         key,
		"url":         url,
		"ttl_seconds": int(ttl.Seconds()),
	})
}

func (h *StorageHandler) target(cmd protocol.Command) (string, string, error) {
	key, err := payloadString(cmd, "key")
	if err != nil {
		return "", "", err
	}
	bucket := payloadStringDefault(cmd, "bucket", h.bucket)
	if strings.TrimSpace(bucket) == "" {
		return "", "", fmt.Errorf("payload field %q is required", "bucket")
	}
	return bucket, key, nil
}

func objectRef(bucket, key, contentType string) domain.DataReference {
	ref := domain.DataReference{
		RefType:  domain.RefFile,
		Location: fmt.Sprintf("s3://%s/%s", bucket, key),
	}
	if contentType != "" {
		ref.Format = contentType
	}
	return ref
}
