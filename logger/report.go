package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsREST  int64
	errorsWS    int64
	warnsREST   int64
	warnsWS     int64
	restCalls   int64
	wsMessages  int64
	cacheHits   int64
	cacheMisses int64
	downgrades  int64
	channels    sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "websocket") || strings.Contains(component, "subscription") {
		atomic.AddInt64(&warnsWS, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&warnsREST, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "websocket") || strings.Contains(component, "subscription") {
		atomic.AddInt64(&errorsWS, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&errorsREST, 1)
	}
}

// IncrementRESTCall records one completed REST request of the given size.
func IncrementRESTCall(size int) {
	atomic.AddInt64(&restCalls, 1)
	recordChannel("rest", size)
}

// IncrementWSMessage records one streamed WebSocket message of the given size.
func IncrementWSMessage(size int) {
	atomic.AddInt64(&wsMessages, 1)
	recordChannel("websocket", size)
}

// IncrementCacheHit records a request served from cache.
func IncrementCacheHit() {
	atomic.AddInt64(&cacheHits, 1)
}

// IncrementCacheMiss records a request that had to hit a channel.
func IncrementCacheMiss() {
	atomic.AddInt64(&cacheMisses, 1)
}

// IncrementDowngrade records one WebSocket to REST downgrade.
func IncrementDowngrade() {
	atomic.AddInt64(&downgrades, 1)
}

// RecordChannelMessage tracks message and byte counts per named stream.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and routing statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_rest":    atomic.LoadInt64(&errorsREST),
		"errors_ws":      atomic.LoadInt64(&errorsWS),
		"warns_rest":     atomic.LoadInt64(&warnsREST),
		"warns_ws":       atomic.LoadInt64(&warnsWS),
		"rest_calls":     atomic.LoadInt64(&restCalls),
		"ws_messages":    atomic.LoadInt64(&wsMessages),
		"cache_hits":     atomic.LoadInt64(&cacheHits),
		"cache_misses":   atomic.LoadInt64(&cacheMisses),
		"downgrades":     atomic.LoadInt64(&downgrades),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Router-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Router-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Router-RESTCalls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&restCalls)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-WSMessages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&wsMessages)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-CacheHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheHits)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-CacheMisses"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&cacheMisses)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-Downgrades"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&downgrades)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-ErrorsREST"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsREST)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-ErrorsWS"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsWS)))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Router-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Router-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Router-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
