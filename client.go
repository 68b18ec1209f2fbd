package skew

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// TelemetryClient buffers telemetry events and delivers them in batches.
// Delivery is best effort: failed batches are dropped, never retried, and
// never reported to callers.
type TelemetryClient struct {
	apiKey     string
	config     TelemetryConfig
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
	sample     func() float64

	buffer   []TelemetryEvent
	bufferMu sync.Mutex

	paused atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool

	sends     sync.WaitGroup
	closeOnce sync.Once
}

// NewTelemetryClient creates a telemetry client and starts its periodic
// flush when telemetry is enabled.
func NewTelemetryClient(cfg Config) (*TelemetryClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetryClient(cfg, cfg.logger(), NewMetrics(cfg.Registerer)), nil
}

func newTelemetryClient(cfg Config, logger *zap.Logger, metrics *Metrics) *TelemetryClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   DeliveryTimeout,
		}
	}

	c := &TelemetryClient{
		apiKey:     cfg.APIKey,
		config:     cfg.Telemetry,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
		sample:     rand.Float64,
		buffer:     make([]TelemetryEvent, 0, cfg.Telemetry.BatchSize),
	}

	if c.config.Enabled {
		c.scheduleFlush()
	}
	return c
}

// Submit offers an event to the buffer. It never blocks beyond taking the
// buffer lock. Events are dropped when telemetry is disabled, paused,
// closed, or not selected by sampling. Reaching the batch size hands the
// whole buffer to a background delivery.
func (c *TelemetryClient) Submit(event TelemetryEvent) {
	switch {
	case !c.config.Enabled:
		c.metrics.dropped.WithLabelValues(dropDisabled).Inc()
		return
	case c.paused.Load():
		c.metrics.dropped.WithLabelValues(dropPaused).Inc()
		return
	case c.sample() >= c.config.SampleRate:
		c.metrics.dropped.WithLabelValues(dropSampled).Inc()
		return
	}

	c.timerMu.Lock()
	closed := c.closed
	if !closed {
		c.sends.Add(1)
	}
	c.timerMu.Unlock()
	if closed {
		c.metrics.dropped.WithLabelValues(dropClosed).Inc()
		return
	}
	defer c.sends.Done()

	var batch []TelemetryEvent
	c.bufferMu.Lock()
	c.buffer = append(c.buffer, event)
	if len(c.buffer) >= c.config.BatchSize {
		batch = c.takeLocked()
	}
	c.bufferMu.Unlock()
	c.metrics.submitted.Inc()

	if batch != nil {
		c.sends.Add(1)
		go func() {
			defer c.sends.Done()
			c.deliver(batch)
		}()
	}
}

// Flush removes everything from the buffer and delivers it in one request.
// Events submitted while the request is in flight stay buffered for the
// next flush.
func (c *TelemetryClient) Flush() {
	c.bufferMu.Lock()
	batch := c.takeLocked()
	c.bufferMu.Unlock()

	if len(batch) == 0 {
		return
	}
	c.deliver(batch)
}

// takeLocked swaps the buffer for an empty one. bufferMu must be held.
func (c *TelemetryClient) takeLocked() []TelemetryEvent {
	if len(c.buffer) == 0 {
		return nil
	}
	batch := c.buffer
	c.buffer = make([]TelemetryEvent, 0, c.config.BatchSize)
	return batch
}

// BufferSize returns the current number of buffered events
func (c *TelemetryClient) BufferSize() int {
	c.bufferMu.Lock()
	defer c.bufferMu.Unlock()
	return len(c.buffer)
}

// Pause stops admission of new events. The flush timer keeps running.
func (c *TelemetryClient) Pause() {
	c.paused.Store(true)
}

// Resume re-enables admission of new events.
func (c *TelemetryClient) Resume() {
	c.paused.Store(false)
}

// Paused reports whether admission is paused.
func (c *TelemetryClient) Paused() bool {
	return c.paused.Load()
}

// Close cancels the periodic flush, waits for background deliveries and
// flushes whatever is left. It is safe to call more than once.
func (c *TelemetryClient) Close() {
	c.closeOnce.Do(func() {
		c.timerMu.Lock()
		c.closed = true
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerMu.Unlock()

		c.sends.Wait()
		c.Flush()
	})
}

func (c *TelemetryClient) scheduleFlush() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed {
		return
	}
	c.timer = time.AfterFunc(c.config.FlushInterval, c.tick)
}

func (c *TelemetryClient) tick() {
	c.timerMu.Lock()
	if c.closed {
		c.timerMu.Unlock()
		return
	}
	c.sends.Add(1)
	c.timerMu.Unlock()
	defer c.sends.Done()

	c.Flush()
	c.scheduleFlush()
}

// deliver sends one batch. Every failure ends here.
func (c *TelemetryClient) deliver(batch []TelemetryEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("telemetry delivery panicked", zap.Any("panic", r), zap.Int("events", len(batch)))
			c.metrics.batches.WithLabelValues("error").Inc()
		}
	}()

	c.metrics.batchSize.Observe(float64(len(batch)))
	if err := c.sendBatch(batch); err != nil {
		c.metrics.batches.WithLabelValues("error").Inc()
		c.metrics.dropped.WithLabelValues(dropDelivery).Add(float64(len(batch)))
		c.logger.Debug("dropped telemetry batch", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	c.metrics.batches.WithLabelValues("success").Inc()
	c.logger.Debug("flushed telemetry batch", zap.Int("events", len(batch)))
}

func (c *TelemetryClient) sendBatch(batch []TelemetryEvent) error {
	body, err := json.Marshal(BatchRequest{Events: batch})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set(HeaderSDKName, sdkName)
	req.Header.Set(HeaderSDKVersion, Version)
	req.Header.Set(HeaderSDKLanguage, sdkLanguage)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
