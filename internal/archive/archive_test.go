package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/config"
	"marketsync/models"
)

type fakeSource struct {
	markets []models.Market
}

func (f *fakeSource) List(string) []models.Market { return f.markets }

type fakeUploader struct {
	mu     sync.Mutex
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeUploader) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func testArchiver(src Source, up Uploader) *Archiver {
	a := newArchiver(config.ArchiveConfig{
		Interval:    10 * time.Millisecond,
		Bucket:      "market-archive",
		Prefix:      "marketsync",
		Compression: "snappy",
	}, "test", src, up)
	a.now = func() time.Time { return time.Date(2026, 10, 18, 14, 5, 0, 0, time.UTC) }
	return a
}

func sampleMarkets() []models.Market {
	bid := decimal.RequireFromString("0.49")
	m := models.NewMarket("ABC", "Test market")
	m.BestBid = &bid
	m.Inventory = 5
	return []models.Market{m, models.NewMarket("FED-24", "Fed cuts rates")}
}

func TestFlushUploadsParquet(t *testing.T) {
	up := &fakeUploader{}
	a := testArchiver(&fakeSource{markets: sampleMarkets()}, up)

	key, rows, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, "marketsync/date=2026-10-18/hour=14/markets_20261018140500.parquet", key)

	require.Equal(t, 1, up.count())
	assert.Equal(t, "market-archive", aws.ToString(up.inputs[0].Bucket))
	assert.Equal(t, key, aws.ToString(up.inputs[0].Key))
	assert.Equal(t, "test", up.inputs[0].Metadata["marketsync-version"])

	body := up.bodies[0]
	require.Greater(t, len(body), 8)
	assert.True(t, bytes.HasPrefix(body, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(body, []byte("PAR1")))
}

func TestFlushEmptyTableSkipsUpload(t *testing.T) {
	up := &fakeUploader{}
	a := testArchiver(&fakeSource{}, up)

	key, rows, err := a.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Zero(t, rows)
	assert.Zero(t, up.count())
}

func TestFlushUploadError(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := testArchiver(&fakeSource{markets: sampleMarkets()}, up)

	_, _, err := a.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market-archive")
}

func TestArchiverPeriodicAndFinalFlush(t *testing.T) {
	up := &fakeUploader{}
	a := testArchiver(&fakeSource{markets: sampleMarkets()}, up)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	require.Error(t, a.Start(ctx))

	require.Eventually(t, func() bool { return up.count() >= 1 }, time.Second, 5*time.Millisecond)

	before := up.count()
	cancel()
	a.Stop()
	assert.Greater(t, up.count(), before)
}

func TestToRecord(t *testing.T) {
	m := sampleMarkets()[0]
	rec := toRecord(m, 42)
	require.NotNil(t, rec.BestBid)
	assert.InDelta(t, 0.49, *rec.BestBid, 1e-9)
	assert.Nil(t, rec.BestAsk)
	assert.Equal(t, int64(5), rec.Inventory)
	assert.Equal(t, int64(42), rec.SnapshotTime)
}
