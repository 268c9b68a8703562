package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("s3 unavailable")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) keys(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func TestArchiveSession_RoundTrip(t *testing.T) {
	store := newFakeS3()
	a := NewS3Archive(store, ArchiveConfig{Bucket: "b", Prefix: "repricer/"})

	done := time.Date(2026, 3, 4, 10, 0, 5, 0, time.UTC)
	s := &domain.RepricingSession{
		ID:                "s-1",
		RuleID:            "r1",
		Status:            domain.SessionCompleted,
		StartedAt:         time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		CompletedAt:       &done,
		TotalProducts:     1,
		SuccessfulUpdates: 1,
		Results:           []domain.ExecutionResult{{ProductID: "p1", Outcome: domain.OutcomeSuccess}},
	}
	require.NoError(t, a.ArchiveSession(context.Background(), s))

	key := "repricer/sessions/2026/03/04/s-1.json"
	assert.Equal(t, key, a.SessionKey(s))
	got, err := a.LoadSession(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RuleID)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "p1", got.Results[0].ProductID)
}

func buyBoxEvent(id string, at time.Time) domain.BuyBoxEvent {
	return domain.BuyBoxEvent{ID: id, ASIN: "B01", Type: domain.BuyBoxLoss, Timestamp: at}
}

func TestArchiveBuyBoxEvent_BatchesPerDay(t *testing.T) {
	store := newFakeS3()
	a := NewS3Archive(store, ArchiveConfig{Bucket: "b", BatchSize: 2})
	ctx := context.Background()
	day1 := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	require.NoError(t, a.ArchiveBuyBoxEvent(ctx, buyBoxEvent("e1", day1)))
	require.NoError(t, a.ArchiveBuyBoxEvent(ctx, buyBoxEvent("e2", day2)))
	assert.Empty(t, store.keys("buybox/"))
	assert.Equal(t, 2, a.Pending())

	require.NoError(t, a.ArchiveBuyBoxEvent(ctx, buyBoxEvent("e3", day1)))
	keys := store.keys("buybox/2026-03-04/")
	require.Len(t, keys, 1, "full batch flushed")
	lines := strings.Split(strings.TrimSpace(string(store.objects[keys[0]])), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"e1"`)

	require.NoError(t, a.Flush(ctx))
	assert.Len(t, store.keys("buybox/2026-03-05/"), 1)
	assert.Zero(t, a.Pending())
}

func TestFlush_RequeuesOnFailure(t *testing.T) {
	store := newFakeS3()
	store.fail = true
	a := NewS3Archive(store, ArchiveConfig{Bucket: "b"})
	ctx := context.Background()

	require.NoError(t, a.ArchiveBuyBoxEvent(ctx, buyBoxEvent("e1", time.Now())))
	require.Error(t, a.Flush(ctx))
	assert.Equal(t, 1, a.Pending())

	store.fail = false
	require.NoError(t, a.Flush(ctx))
	assert.Zero(t, a.Pending())
	assert.Len(t, store.keys("buybox/"), 1)
}

// fakeDynamo pages Query results two items at a time.
type fakeDynamo struct {
	mu    sync.Mutex
	items []map[string]types.AttributeValue
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := str(in.ExpressionAttributeValues[":pk"])
	since := str(in.ExpressionAttributeValues[":since"])
	after := ""
	if in.ExclusiveStartKey != nil {
		after = str(in.ExclusiveStartKey["SK"])
	}

	var match []map[string]types.AttributeValue
	for _, it := range f.items {
		sk := str(it["SK"])
		if str(it["PK"]) == pk && sk >= since && sk > after {
			match = append(match, it)
		}
	}
	sort.Slice(match, func(i, j int) bool { return str(match[i]["SK"]) < str(match[j]["SK"]) })

	out := &dynamodb.QueryOutput{}
	if len(match) > 2 {
		out.Items = match[:2]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": match[1]["PK"], "SK": match[1]["SK"]}
	} else {
		out.Items = match
	}
	return out, nil
}

func TestPriceHistory(t *testing.T) {
	db := &fakeDynamo{}
	h := NewPriceHistory(db, "history", 30)
	ctx := context.Background()
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.RecordObservation(ctx, domain.PriceObservation{
			ASIN: "B01", SellerID: "rival", Price: 20 - float64(i), Stock: i,
			ObservedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, h.RecordObservation(ctx, domain.PriceObservation{
		ASIN: "B01", SellerID: "other", Price: 50, ObservedAt: base,
	}))

	ttl, ok := db.items[0]["TTL"].(*types.AttributeValueMemberN)
	require.True(t, ok)
	assert.NotEmpty(t, ttl.Value)

	obs, err := h.History(ctx, "B01", "rival", base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, obs, 4, "pages are followed")
	assert.Equal(t, 19.0, obs[0].Price)
	assert.Equal(t, 16.0, obs[3].Price)
	assert.True(t, obs[0].ObservedAt.Equal(base.Add(time.Minute)))

	none, err := h.History(ctx, "B02", "rival", base)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
