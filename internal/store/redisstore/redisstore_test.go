package redisstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roadwatch/internal/data"
	"roadwatch/internal/store"
	"roadwatch/internal/store/redisstore"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := redisstore.New(rdb, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func sampleRecord(agentID int64, roadState string) data.CanonicalRecord {
	return data.CanonicalRecord{
		AgentID:   agentID,
		RoadState: roadState,
		X:         1,
		Y:         2,
		Z:         3,
		Latitude:  50.1,
		Longitude: 30.2,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestInsertGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)

	first, err := s.Insert(ctx, sampleRecord(7, "pothole"))
	require.NoError(t, err)
	second, err := s.Insert(ctx, sampleRecord(8, "smooth"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.True(t, mr.Exists("test:record:1"))

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Equal(t, "pothole", got.RoadState)
	assert.Equal(t, int64(7), got.AgentID)
}

func TestInsert_NormalizesZone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	rec := sampleRecord(1, "bump")
	rec.Timestamp = time.Date(2024, 6, 1, 14, 0, 0, 0, time.FixedZone("", 2*60*60))
	stored, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Timestamp.Location())
	assert.True(t, got.Timestamp.Equal(rec.Timestamp))
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.Get(context.Background(), 42)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	stored, err := s.Insert(ctx, sampleRecord(7, "pothole"))
	require.NoError(t, err)

	replacement := sampleRecord(9, "smooth")
	replacement.X = -4
	updated, err := s.Update(ctx, stored.ID, replacement)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, updated.ID)
	assert.Equal(t, replacement, updated.CanonicalRecord)

	got, err := s.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = s.Update(ctx, 999, replacement)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newStore(t)

	stored, err := s.Insert(ctx, sampleRecord(7, "pothole"))
	require.NoError(t, err)

	deleted, err := s.Delete(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, deleted)
	assert.False(t, mr.Exists("test:record:1"))

	_, err = s.Get(ctx, stored.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDelete_NotFoundLeavesDataUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	stored, err := s.Insert(ctx, sampleRecord(7, "pothole"))
	require.NoError(t, err)

	_, err = s.Delete(ctx, stored.ID+100)
	require.ErrorIs(t, err, store.ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []data.StoredRecord{stored}, list)
}

func TestList_Ordered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newStore(t)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	var want []data.StoredRecord
	for i := int64(1); i <= 12; i++ {
		rec, err := s.Insert(ctx, sampleRecord(i%3, "smooth"))
		require.NoError(t, err)
		want = append(want, rec)
	}
	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, list)
}

func TestPing(t *testing.T) {
	t.Parallel()
	s, mr := newStore(t)

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	var serr *store.Error
	require.ErrorAs(t, s.Ping(context.Background()), &serr)
}

func TestInsert_StorageFailure(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectIncr("test:records:seq").SetErr(errors.New("connection refused"))
	s := redisstore.New(rdb, "test")

	_, err := s.Insert(context.Background(), sampleRecord(1, "smooth"))
	var serr *store.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "insert", serr.Op)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_StorageFailure(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectGet("test:record:3").SetErr(errors.New("LOADING Redis is loading the dataset in memory"))
	s := redisstore.New(rdb, "test")

	_, err := s.Get(context.Background(), 3)
	var serr *store.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "get", serr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_StorageFailure(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	mock.ExpectZRange("test:records", 0, -1).SetErr(errors.New("i/o timeout"))
	s := redisstore.New(rdb, "test")

	_, err := s.List(context.Background())
	var serr *store.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "list", serr.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_BadURL(t *testing.T) {
	t.Parallel()

	_, err := redisstore.Open("http://not-redis", "")
	require.Error(t, err)
}
