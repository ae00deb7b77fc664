package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream   int64
	errorsSnapshot int64
	warnsStream    int64
	warnsSnapshot  int64
	streamFrames   int64
	snapshotReads  int64
	decodeFailures int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "snapshot") {
		atomic.AddInt64(&warnsSnapshot, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "snapshot") {
		atomic.AddInt64(&errorsSnapshot, 1)
	}
}

// IncrementStreamFrame counts one websocket frame of the given size.
func IncrementStreamFrame(size int) {
	atomic.AddInt64(&streamFrames, 1)
	recordChannel("stream_ws", size)
}

// IncrementSnapshotRead counts one REST snapshot body of the given size.
func IncrementSnapshotRead(size int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordChannel("snapshot_rest", size)
}

func IncrementDecodeFailure() {
	atomic.AddInt64(&decodeFailures, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Counters is a point-in-time copy of the report counters.
type Counters struct {
	ErrorsStream   int64
	ErrorsSnapshot int64
	WarnsStream    int64
	WarnsSnapshot  int64
	StreamFrames   int64
	SnapshotReads  int64
	DecodeFailures int64
}

func ReadCounters() Counters {
	return Counters{
		ErrorsStream:   atomic.LoadInt64(&errorsStream),
		ErrorsSnapshot: atomic.LoadInt64(&errorsSnapshot),
		WarnsStream:    atomic.LoadInt64(&warnsStream),
		WarnsSnapshot:  atomic.LoadInt64(&warnsSnapshot),
		StreamFrames:   atomic.LoadInt64(&streamFrames),
		SnapshotReads:  atomic.LoadInt64(&snapshotReads),
		DecodeFailures: atomic.LoadInt64(&decodeFailures),
	}
}

// StartReport begins periodic logging of runtime and feed statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	c := ReadCounters()
	heapMB := float64(mem.HeapAlloc) / 1024 / 1024

	log.WithComponent("report").WithFields(Fields{
		"errors_stream":   c.ErrorsStream,
		"errors_snapshot": c.ErrorsSnapshot,
		"warns_stream":    c.WarnsStream,
		"warns_snapshot":  c.WarnsSnapshot,
		"stream_frames":   c.StreamFrames,
		"snapshot_reads":  c.SnapshotReads,
		"decode_failures": c.DecodeFailures,
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         heapMB,
		"channels":        channelData,
	}).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(heapMB)},
		count("Goroutines", int64(runtime.NumGoroutine())),
		count("ErrorsStream", c.ErrorsStream),
		count("ErrorsSnapshot", c.ErrorsSnapshot),
		count("WarnsStream", c.WarnsStream),
		count("WarnsSnapshot", c.WarnsSnapshot),
		count("StreamFrames", c.StreamFrames),
		count("SnapshotReads", c.SnapshotReads),
		count("DecodeFailures", c.DecodeFailures),
	}
	for name, stats := range channelData {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
