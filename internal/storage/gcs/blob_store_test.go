package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Bucket: " "})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	require.NoError(t, store.Close(), "borrowed client is left open")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	plain := &BlobStore{bucket: "b"}
	require.Equal(t, "example.com/abc.html", plain.ObjectName("/example.com/abc.html"))

	prefixed := &BlobStore{bucket: "b", prefix: "pages"}
	require.Equal(t, "pages/example.com/abc.html", prefixed.ObjectName("example.com/abc.html"))
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := &BlobStore{bucket: "b"}
	_, err := store.PutObject(context.Background(), "  ", "text/html", nil)
	require.Error(t, err)
}
