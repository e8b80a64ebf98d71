package stream

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/examiner"
	exmock "github.com/voxexam/voxexam/pkg/examiner/mock"
)

func meteredMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func metricTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			switch data := met.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				return total
			case metricdata.Histogram[float64]:
				var total uint64
				for _, dp := range data.DataPoints {
					total += dp.Count
				}
				return int64(total)
			}
		}
	}
	return 0
}

func TestLocal_RecordsExaminerMetrics(t *testing.T) {
	m, reader := meteredMetrics(t)
	provider := &exmock.Provider{
		StreamChunks: []examiner.Chunk{{Text: "Welcome aboard.", FinishReason: "stop"}},
	}
	h := &handlerRecorder{}
	src := NewLocal(provider, h, WithLocalMetrics(m, "openai"))

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, h, StatusReady)

	if got := metricTotal(t, reader, "voxexam.examiner.duration"); got != 1 {
		t.Errorf("examiner duration samples = %d, want 1", got)
	}
	if got := metricTotal(t, reader, "voxexam.provider.requests"); got != 1 {
		t.Errorf("provider requests = %d, want 1", got)
	}
	if got := metricTotal(t, reader, "voxexam.provider.errors"); got != 0 {
		t.Errorf("provider errors = %d, want 0", got)
	}
}

func TestLocal_RecordsRequestFailure(t *testing.T) {
	m, reader := meteredMetrics(t)
	provider := &exmock.Provider{StreamErr: errors.New("model overloaded")}
	h := &handlerRecorder{}
	src := NewLocal(provider, h, WithLocalMetrics(m, "openai"))

	if err := src.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing provider")
	}

	if got := metricTotal(t, reader, "voxexam.provider.errors"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}
