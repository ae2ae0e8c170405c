//go:build integration

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"iocpipe/core"
)

const (
	mongoImage            = "mongo:7"
	mongoPort             = "27017/tcp"
	containerStartTimeout = 120 * time.Second
)

func setupMongoTestContainer(t *testing.T) *MongoDB {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mongoImage,
			ExposedPorts: []string{mongoPort},
			WaitingFor: wait.ForLog("Waiting for connections").
				WithStartupTimeout(containerStartTimeout),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start MongoDB container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate MongoDB container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	db, err := NewMongoDB(fmt.Sprintf("mongodb://%s:%s", host, port.Port()), "iocpipe_test", 10, zap.NewNop().Sugar())
	require.NoError(t, err)
	return db
}

func TestMongoIOCStore_Integration_Idempotent(t *testing.T) {
	db := setupMongoTestContainer(t)
	store := NewMongoIOCStore(db, "iocs", zap.NewNop().Sugar())
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	record := &core.Record{Value: "evil.com", Info: "feed-a", Type: core.TypeDomain}

	store.now = func() time.Time { return first }
	outcome := store.Persist(ctx, []*core.Record{record}, core.DefaultMatchKey)
	require.NoError(t, outcome.Err)
	assert.Equal(t, 1, outcome.Inserted)

	record.Info = "feed-b"
	store.now = func() time.Time { return second }
	outcome = store.Persist(ctx, []*core.Record{record}, core.DefaultMatchKey)
	require.NoError(t, outcome.Err)
	assert.Equal(t, 1, outcome.Updated)

	coll := db.Database.Collection("iocs")
	n, err := coll.CountDocuments(ctx, bson.D{{Key: "value", Value: "evil.com"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var stored core.Record
	require.NoError(t, coll.FindOne(ctx, bson.D{{Key: "value", Value: "evil.com"}}).Decode(&stored))
	assert.Equal(t, "feed-b", stored.Info)
	assert.True(t, stored.CreateDate.Equal(first))
	assert.True(t, stored.ModifyDate.Equal(second))
}
