package ptt

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/capture"
	capmock "github.com/voxexam/voxexam/pkg/capture/mock"
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

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func sumByName(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, false
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func histCountByName(rm metricdata.ResourceMetrics, name string) uint64 {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			if hist, ok := met.Data.(metricdata.Histogram[float64]); ok {
				var total uint64
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
				return total
			}
		}
	}
	return 0
}

func TestController_RecordsCaptureMetrics(t *testing.T) {
	m, reader := meteredMetrics(t)
	engine := &capmock.Engine{}
	rec := &submitRecorder{}
	c := NewController(engine, capture.Config{},
		WithSettleDelay(10*time.Millisecond),
		WithSubmit(rec.record),
		WithMetrics(m, "deepgram"),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	waitFor(t, time.Second, func() bool { return engine.StartCount() == 1 })

	rm := collectMetrics(t, reader)
	if got, _ := sumByName(rm, "voxexam.active_captures"); got != 1 {
		t.Errorf("active captures while pressed = %d, want 1", got)
	}

	engine.Last().Emit("Cleared to land runway two seven.", true)
	c.Release()
	waitFor(t, time.Second, func() bool { return len(rec.all()) == 1 })

	rm = collectMetrics(t, reader)
	if got, _ := sumByName(rm, "voxexam.active_captures"); got != 0 {
		t.Errorf("active captures after release = %d, want 0", got)
	}
	if got := histCountByName(rm, "voxexam.capture.duration"); got != 1 {
		t.Errorf("capture duration samples = %d, want 1", got)
	}
}

func TestController_RecordsStartFailure(t *testing.T) {
	m, reader := meteredMetrics(t)
	engine := &capmock.Engine{StartErr: errors.New("socket refused")}
	c := NewController(engine, capture.Config{}, WithMetrics(m, "deepgram"))

	if err := c.Press(context.Background()); err == nil {
		t.Fatal("Press succeeded with a failing engine")
	}

	rm := collectMetrics(t, reader)
	if got, _ := sumByName(rm, "voxexam.provider.errors"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
	if got, _ := sumByName(rm, "voxexam.active_captures"); got != 0 {
		t.Errorf("active captures after failed press = %d, want 0", got)
	}
}
