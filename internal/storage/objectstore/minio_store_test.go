package objectstore

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func newTestStore(t *testing.T) *MinioStore {
	t.Helper()
	client, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("test", "testsecret", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("minio client: %v", err)
	}
	store, err := NewMinioStoreWithClient(client)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store
}

func TestNewMinioStoreWithClientRequiresClient(t *testing.T) {
	if _, err := NewMinioStoreWithClient(nil); err == nil {
		t.Fatal("nil client must be rejected")
	}
}

func TestPresignGetDefaultsTTL(t *testing.T) {
	store := newTestStore(t)

	raw, err := store.PresignGet(context.Background(), "data", "jobs/abc.json", 0)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if !strings.Contains(u.Path, "data/jobs/abc.json") {
		t.Fatalf("url path %q does not address the object", u.Path)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "600" {
		t.Fatalf("expires = %s, want the ten minute default", got)
	}
}

func TestPresignPutHonorsTTL(t *testing.T) {
	store := newTestStore(t)

	raw, err := store.PresignPut(context.Background(), "data", "jobs/abc.json", 2*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "120" {
		t.Fatalf("expires = %s, want 120", got)
	}
}
