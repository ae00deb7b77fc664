package archive

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"marketsync/models"
)

// marketRecord is one row of an archived market table.
type marketRecord struct {
	SnapshotTime    int64    `parquet:"name=snapshot_time, type=INT64"`
	Ticker          string   `parquet:"name=ticker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Description     string   `parquet:"name=description, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBid         *float64 `parquet:"name=best_bid, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestAsk         *float64 `parquet:"name=best_ask, type=DOUBLE, repetitiontype=OPTIONAL"`
	Inventory       int64    `parquet:"name=inventory, type=INT64"`
	UnrealizedPnL   float64  `parquet:"name=unrealized_pnl, type=DOUBLE"`
	QuotingActive   bool     `parquet:"name=quoting_active, type=BOOLEAN"`
	TotalVolume     int64    `parquet:"name=total_volume, type=INT64"`
	TargetSpreadBps int64    `parquet:"name=target_spread_bps, type=INT64"`
	MaxInventory    int64    `parquet:"name=max_inventory, type=INT64"`
	BookLevels      int32    `parquet:"name=book_levels, type=INT32"`
}

// memoryFile satisfies source.ParquetFile over an in-memory buffer; the
// writer never seeks backwards.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buf: &bytes.Buffer{}}
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }
func (f *memoryFile) Seek(int64, int) (int64, error)            { return int64(f.buf.Len()), nil }
func (f *memoryFile) Read(b []byte) (int, error)                { return f.buf.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error)               { return f.buf.Write(b) }
func (f *memoryFile) Close() error                              { return nil }

func toRecord(m models.Market, snapshotMillis int64) marketRecord {
	rec := marketRecord{
		SnapshotTime:    snapshotMillis,
		Ticker:          m.Ticker,
		Description:     m.Description,
		Inventory:       m.Inventory,
		UnrealizedPnL:   m.UnrealizedPnL.InexactFloat64(),
		QuotingActive:   m.QuotingActive,
		TotalVolume:     m.TotalVolume,
		TargetSpreadBps: m.StrategyParams.TargetSpreadBps,
		MaxInventory:    m.StrategyParams.MaxInventory,
		BookLevels:      int32(len(m.OrderBook)),
	}
	if m.BestBid != nil {
		v := m.BestBid.InexactFloat64()
		rec.BestBid = &v
	}
	if m.BestAsk != nil {
		v := m.BestAsk.InexactFloat64()
		rec.BestAsk = &v
	}
	return rec
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy", "":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encodeMarkets renders the market table as a parquet file.
func encodeMarkets(markets []models.Market, snapshotMillis int64, compression string) ([]byte, error) {
	fw := newMemoryFile()

	pw, err := writer.NewParquetWriter(fw, new(marketRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, m := range markets {
		if err := pw.Write(toRecord(m, snapshotMillis)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.buf.Bytes(), nil
}
