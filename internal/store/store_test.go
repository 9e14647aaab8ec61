package store

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queue-rebirth/internal/config"
)

// exercise runs the behaviour every backend shares.
func exercise(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := b.GetValue(ctx, "RUNS_STATS")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetValue(ctx, "RUNS_STATS", []byte(`{"r1":{"loaded":1,"reset":0}}`)))
	require.NoError(t, b.SetValue(ctx, "RUNS_STATS", []byte(`{"r1":{"loaded":2,"reset":1}}`)))

	v, ok, err := b.GetValue(ctx, "RUNS_STATS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"r1":{"loaded":2,"reset":1}}`, string(v))

	require.NoError(t, b.Close())
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestMemoryKV(t *testing.T) {
	exercise(t, NewMemoryKV())
}

func TestRedisKV(t *testing.T) {
	client := newMiniRedis(t)
	exercise(t, NewRedisKV(client, "rebirth:state"))

	raw, err := client.Get(context.Background(), "rebirth:state:RUNS_STATS").Result()
	require.NoError(t, err)
	assert.Contains(t, raw, `"loaded":2`)
}

func TestSQLiteKV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	kv, err := NewSQLiteKV(path)
	require.NoError(t, err)
	exercise(t, kv)

	reopened, err := NewSQLiteKV(path)
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, err := reopened.GetValue(context.Background(), "RUNS_STATS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(v), `"reset":1`)
}

type fakeRecords struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *fakeRecords) GetRecord(ctx context.Context, storeID, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[storeID+"/"+key]
	return v, ok, nil
}

func (f *fakeRecords) SetRecord(ctx context.Context, storeID, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[storeID+"/"+key] = value
	return nil
}

func TestPlatformKV(t *testing.T) {
	records := &fakeRecords{data: map[string][]byte{}}
	kv, err := NewPlatformKV(records, "store-1")
	require.NoError(t, err)
	exercise(t, kv)
	assert.Contains(t, records.data, "store-1/RUNS_STATS")

	_, err = NewPlatformKV(records, "")
	require.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(v))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func TestS3KV(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	exercise(t, NewS3KVWithClient(fake, "bucket", "rebirth/"))

	assert.Contains(t, fake.objects, "bucket/rebirth/RUNS_STATS")
	require.Len(t, fake.puts, 2)
	assert.Equal(t, "application/json", aws.ToString(fake.puts[0].ContentType))
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	client := newMiniRedis(t)

	cfg := config.Config{}
	cfg.State.Backend = config.BackendMemory
	b, err := Open(ctx, cfg, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, b)

	cfg.State.Backend = config.BackendRedis
	_, err = Open(ctx, cfg, Deps{})
	require.Error(t, err)
	b, err = Open(ctx, cfg, Deps{Redis: client})
	require.NoError(t, err)
	assert.IsType(t, &RedisKV{}, b)

	cfg.State.Backend = config.BackendSQLite
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "s.db")
	b, err = Open(ctx, cfg, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteKV{}, b)
	require.NoError(t, b.Close())

	cfg.State.Backend = config.BackendPlatform
	cfg.State.PlatformStoreID = "kv-1"
	b, err = Open(ctx, cfg, Deps{Records: &fakeRecords{data: map[string][]byte{}}})
	require.NoError(t, err)
	assert.IsType(t, &PlatformKV{}, b)

	cfg.State.Backend = "etcd"
	_, err = Open(ctx, cfg, Deps{})
	require.Error(t, err)
}
