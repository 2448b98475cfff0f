//go:build integration

package objectstore_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/storage"
	"github.com/c360/tapstream/storage/objectstore"
	"github.com/c360/tapstream/testutil"
)

// Package-level shared container to avoid Docker resource exhaustion
var sharedNATS *testutil.NATSContainer

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") != "" {
		c, err := testutil.StartNATS(context.Background(), testutil.WithStartTimeout(30*time.Second))
		if err != nil {
			panic("Failed to start shared NATS container: " + err.Error())
		}
		sharedNATS = c
	}

	exitCode := m.Run()

	if sharedNATS != nil {
		_ = sharedNATS.Terminate()
	}
	os.Exit(exitCode)
}

func natsURL(t *testing.T) string {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	require.NotNil(t, sharedNATS, "TestMain should have started NATS")
	return sharedNATS.URL
}

func readObject(t *testing.T, server, bucket, key string) string {
	t.Helper()
	nc, err := nats.Connect(server)
	require.NoError(t, err)
	defer nc.Close()

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	store, err := js.ObjectStore(context.Background(), bucket)
	require.NoError(t, err)
	data, err := store.GetBytes(context.Background(), key)
	require.NoError(t, err)
	return string(data)
}

func TestIntegration_WriteAndList(t *testing.T) {
	server := natsURL(t)
	registry := metric.NewMetricsRegistry()

	factory, err := objectstore.NewFactory(registry, nil)
	require.NoError(t, err)
	reg := storage.NewRegistry()
	require.NoError(t, reg.Register(objectstore.Scheme, factory))

	target := storage.Target{Root: server + "/TAP_BATCHES/users"}
	ctx := context.Background()

	var refs []string
	for _, name := range []string{"users-b.jsonl", "users-a.jsonl"} {
		ref, err := target.Write(ctx, reg, name, func(w io.Writer) error {
			_, err := io.WriteString(w, strings.Repeat(`{"id":1}`+"\n", 1000))
			return err
		})
		require.NoError(t, err)
		refs = append(refs, ref)
	}

	assert.True(t, strings.HasSuffix(refs[0], "/TAP_BATCHES/users/users-b.jsonl"), refs[0])
	assert.Equal(t, strings.Repeat(`{"id":1}`+"\n", 1000),
		readObject(t, server, "TAP_BATCHES", "users/users-a.jsonl"))

	backend, err := target.Open(ctx, reg)
	require.NoError(t, err)
	defer backend.Close()

	names, err := backend.List(ctx, "users-")
	require.NoError(t, err)
	assert.Equal(t, []string{"users-a.jsonl", "users-b.jsonl"}, names)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "tapstream_objectstore_write_operations_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestIntegration_FailedWriteIsDiscarded(t *testing.T) {
	server := natsURL(t)

	factory, err := objectstore.NewFactory(nil, nil)
	require.NoError(t, err)
	reg := storage.NewRegistry()
	require.NoError(t, reg.Register(objectstore.Scheme, factory))

	target := storage.Target{Root: server + "/TAP_ABORTED"}
	ctx := context.Background()
	boom := fmt.Errorf("encode record 3")

	_, err = target.Write(ctx, reg, "users-1.jsonl", func(w io.Writer) error {
		_, _ = io.WriteString(w, strings.Repeat(`{"id":1}`+"\n", 100))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	backend, err := target.Open(ctx, reg)
	require.NoError(t, err)
	defer backend.Close()
	names, err := backend.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestIntegration_EmptyBucketLists(t *testing.T) {
	server := natsURL(t)

	factory, err := objectstore.NewFactory(nil, nil)
	require.NoError(t, err)
	reg := storage.NewRegistry()
	require.NoError(t, reg.Register(objectstore.Scheme, factory))

	backend, err := reg.Resolve(context.Background(), server+"/TAP_EMPTY")
	require.NoError(t, err)
	defer backend.Close()

	names, err := backend.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestIntegration_UnreachableServer(t *testing.T) {
	natsURL(t)

	factory, err := objectstore.NewFactory(nil, nil)
	require.NoError(t, err)
	reg := storage.NewRegistry()
	require.NoError(t, reg.Register(objectstore.Scheme, factory))

	_, err = reg.Resolve(context.Background(), "nats://127.0.0.1:1/BUCKET")
	require.Error(t, err)
}
