package translation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// ErrConnectTimeout is returned when negotiation does not finish in time
var ErrConnectTimeout = errors.New("backend connect timed out")

// DialerConfig contains connect policy
type DialerConfig struct {
	ConnectTimeout time.Duration // per attempt
	MaxRetries     int           // extra attempts for transient errors
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

// Dialer wraps a Backend with a bounded connect timeout and retries for
// transient failures. It implements Backend itself.
type Dialer struct {
	backend Backend
	config  DialerConfig
	logger  *slog.Logger

	// Statistics
	totalAttempts   uint64
	successConnects uint64
	failedConnects  uint64
	timeouts        uint64
	totalRetries    uint64
	lastLatency     time.Duration

	// Test hook
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.RWMutex
}

// DialerStats represents dialer statistics
type DialerStats struct {
	TotalAttempts   uint64        `json:"total_attempts"`
	SuccessConnects uint64        `json:"success_connects"`
	FailedConnects  uint64        `json:"failed_connects"`
	Timeouts        uint64        `json:"timeouts"`
	TotalRetries    uint64        `json:"total_retries"`
	LastLatency     time.Duration `json:"last_latency"`
}

// NewDialer creates a dialer. Zero config values get defaults.
func NewDialer(backend Backend, config DialerConfig, logger *slog.Logger) *Dialer {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}

	return &Dialer{
		backend: backend,
		config:  config,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Connect opens a connection, retrying transient failures with exponential
// backoff. Authorization and setup errors are returned immediately.
func (d *Dialer) Connect(ctx context.Context, setup Setup) (Conn, error) {
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			d.incrementRetries()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * d.config.BaseBackoff
			if backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}

			d.logger.Warn("Retrying backend connect",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)

			if err := d.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		conn, err := d.connectOnce(ctx, setup)
		if err == nil {
			d.recordSuccess(time.Since(start))
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			d.recordFailure()
			return nil, ctx.Err()
		}
		if !IsTransient(err) {
			break
		}
	}

	d.recordFailure()
	return nil, lastErr
}

// connectOnce runs one attempt under ConnectTimeout. A connection that
// completes after the deadline is closed, never handed out.
func (d *Dialer) connectOnce(ctx context.Context, setup Setup) (Conn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	defer cancel()

	d.mu.Lock()
	d.totalAttempts++
	d.mu.Unlock()

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := d.backend.Connect(attemptCtx, setup)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-attemptCtx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.mu.Lock()
		d.timeouts++
		d.mu.Unlock()
		return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, d.config.ConnectTimeout)
	}
}

// IsTransient reports whether a connect error is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "unexpected EOF", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dialer) incrementRetries() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalRetries++
}

func (d *Dialer) recordSuccess(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successConnects++
	d.lastLatency = latency
}

func (d *Dialer) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failedConnects++
}

// GetStats returns current dialer statistics
func (d *Dialer) GetStats() DialerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DialerStats{
		TotalAttempts:   d.totalAttempts,
		SuccessConnects: d.successConnects,
		FailedConnects:  d.failedConnects,
		Timeouts:        d.timeouts,
		TotalRetries:    d.totalRetries,
		LastLatency:     d.lastLatency,
	}
}
