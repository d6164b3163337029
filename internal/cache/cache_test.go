package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/cache"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

// setupMiniredis returns a cache backed by an in-process Redis.
func setupMiniredis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })
	return rc, mr
}

func sampleJob() *models.VideoJob {
	ready := "https://cdn.example.com/out/clip.mp4"
	return &models.VideoJob{
		ID:            uuid.New(),
		OwnerID:       uuid.New(),
		OriginalURL:   "https://cdn.example.com/uploads/clip.mp4",
		TrimStartSec:  1.5,
		ProcessStatus: models.StatusReady,
		ReadyURL:      &ready,
		CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

// --- Job snapshots ---

func TestSetGetJob_Container(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	job := sampleJob()

	require.NoError(t, rc.SetJob(ctx, job, 10*time.Second))

	got, found, err := rc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, job.OwnerID, got.OwnerID)
	assert.Equal(t, models.StatusReady, got.ProcessStatus)
	require.NotNil(t, got.ReadyURL)
	assert.Equal(t, *job.ReadyURL, *got.ReadyURL)
}

func TestGetJob_NotFound(t *testing.T) {
	rc, _ := setupMiniredis(t)

	got, found, err := rc.GetJob(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestSetJob_Overwrites(t *testing.T) {
	rc, _ := setupMiniredis(t)
	ctx := context.Background()
	job := sampleJob()
	job.ProcessStatus = models.StatusProcessing
	job.ReadyURL = nil

	require.NoError(t, rc.SetJob(ctx, job, time.Minute))

	ready := "https://cdn.example.com/out/final.mp4"
	job.ProcessStatus = models.StatusReady
	job.ReadyURL = &ready
	require.NoError(t, rc.SetJob(ctx, job, time.Minute))

	got, found, err := rc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusReady, got.ProcessStatus)
	assert.Equal(t, ready, *got.ReadyURL)
}

func TestAddJob_KeepsExistingSnapshot(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	job := sampleJob()

	ready := "https://cdn.example.com/out/final.mp4"
	job.ProcessStatus = models.StatusReady
	job.ReadyURL = &ready
	require.NoError(t, rc.SetJob(ctx, job, time.Minute))

	stale := *job
	stale.ProcessStatus = models.StatusProcessing
	stale.ReadyURL = nil
	added, err := rc.AddJob(ctx, &stale, time.Minute)
	require.NoError(t, err)
	assert.False(t, added)

	got, found, err := rc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StatusReady, got.ProcessStatus)

	mr.Del(cache.JobKey(job.ID))
	added, err = rc.AddJob(ctx, &stale, time.Minute)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, time.Minute, mr.TTL(cache.JobKey(job.ID)))
}

func TestSetJob_TTLExpiry(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	job := sampleJob()

	require.NoError(t, rc.SetJob(ctx, job, time.Second))
	assert.Equal(t, time.Second, mr.TTL(cache.JobKey(job.ID)))

	mr.FastForward(1500 * time.Millisecond)

	_, found, err := rc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJob_CorruptSnapshot(t *testing.T) {
	rc, mr := setupMiniredis(t)
	id := uuid.New()
	require.NoError(t, mr.Set(cache.JobKey(id), "{not json"))

	_, found, err := rc.GetJob(context.Background(), id)
	require.Error(t, err)
	assert.False(t, found)
}

func TestDeleteJob(t *testing.T) {
	rc, _ := setupMiniredis(t)
	ctx := context.Background()
	job := sampleJob()

	require.NoError(t, rc.SetJob(ctx, job, time.Minute))
	require.NoError(t, rc.DeleteJob(ctx, job.ID))

	_, found, err := rc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, rc.DeleteJob(ctx, uuid.New()), "deleting a missing key is not an error")
}

// --- Cache Key Builders ---

func TestJobKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:22222222-2222-2222-2222-222222222222", cache.JobKey(jobID))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:api:cr_abcd1", cache.RateLimitKey("api:cr_abcd1"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := uuid.New()
	keys := map[string]bool{
		cache.JobKey(id):                true,
		cache.RateLimitKey(id.String()): true,
	}
	assert.Len(t, keys, 2)
}
