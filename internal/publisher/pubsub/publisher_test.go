package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFake(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "fetches")
	require.NoError(t, err)
	return srv, client
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()
	srv, client := newFake(t)
	pub := New(client, "fetches")
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(context.Background(), "", map[string]any{"url": "https://example.com/", "status": 200})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "https://example.com/", got["url"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()
	_, client := newFake(t)
	ctx := context.Background()

	var nilPub *Publisher
	_, err := nilPub.Publish(ctx, "fetches", "x")
	require.Error(t, err)

	pub := New(client, "")
	t.Cleanup(func() { _ = pub.Close() })
	_, err = pub.Publish(ctx, "", "x")
	require.Error(t, err, "no topic")

	_, err = pub.Publish(ctx, "fetches", func() {})
	require.Error(t, err, "unmarshalable payload")

	_, err = pub.Publish(ctx, "missing-topic", "x")
	require.Error(t, err)
}

func TestOpenRequiresProject(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
