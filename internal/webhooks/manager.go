package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alekspetrov/ticketd/internal/logging"
	"github.com/alekspetrov/ticketd/internal/ticket"
)

// Manager delivers events to configured endpoints. It also serves as a hub
// sink: Send queues an event and a background loop delivers queued events
// in order, so slow endpoints never hold up the caller.
type Manager struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	stats Stats

	pending   chan *Event
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Stats are cumulative delivery counters.
type Stats struct {
	Deliveries     int64     `json:"deliveries"`
	Failures       int64     `json:"failures"`
	Retries        int64     `json:"retries"`
	Dropped        int64     `json:"dropped"`
	LastDeliveryAt time.Time `json:"last_delivery_at,omitempty"`
}

// DeliveryResult represents the result of a webhook delivery attempt.
type DeliveryResult struct {
	EndpointID string
	Success    bool
	StatusCode int
	Attempts   int
	Error      error
	Duration   time.Duration
}

// NewManager creates a webhook manager and starts its delivery loop. Call
// Close to stop it.
func NewManager(config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("webhooks")
	}
	size := config.QueueSize
	if size <= 0 {
		size = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
		pending:    make(chan *Event, size),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go m.run()
	return m
}

// Send queues a ticket event for delivery. A full queue drops the event
// rather than blocking.
func (m *Manager) Send(e *ticket.Event) error {
	if !m.IsEnabled() {
		return nil
	}
	select {
	case <-m.ctx.Done():
		return nil
	default:
	}
	select {
	case m.pending <- NewEvent(e):
	default:
		m.mu.Lock()
		m.stats.Dropped++
		m.mu.Unlock()
		m.logger.Warn("webhook queue full, dropping event",
			slog.String("ticket_id", e.TicketID),
			slog.String("state", string(e.State)),
		)
	}
	return nil
}

// Close stops the delivery loop. Queued events not yet delivered are lost.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
	})
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.pending:
			m.Dispatch(m.ctx, ev)
		}
	}
}

// Dispatch sends an event to all subscribed endpoints concurrently and
// returns one result per endpoint.
func (m *Manager) Dispatch(ctx context.Context, event *Event) []DeliveryResult {
	if !m.IsEnabled() {
		return nil
	}

	m.mu.RLock()
	endpoints := m.config.Endpoints
	m.mu.RUnlock()

	var (
		results []DeliveryResult
		resMu   sync.Mutex
		wg      sync.WaitGroup
	)
	for _, endpoint := range endpoints {
		if !endpoint.Enabled || !endpoint.SubscribesTo(event.Type) || !endpoint.WantsOwner(event.Data.Owner) {
			continue
		}

		wg.Add(1)
		go func(ep *EndpointConfig) {
			defer wg.Done()
			result := m.deliver(ctx, ep, event)
			resMu.Lock()
			results = append(results, result)
			resMu.Unlock()
		}(endpoint)
	}

	wg.Wait()
	return results
}

// deliver sends an event to a single endpoint with retry logic.
func (m *Manager) deliver(ctx context.Context, endpoint *EndpointConfig, event *Event) DeliveryResult {
	startTime := time.Now()
	retryConfig := endpoint.GetRetry(m.config.Defaults)
	timeout := endpoint.GetTimeout(m.config.Defaults)

	result := DeliveryResult{EndpointID: endpoint.ID}

	payload, err := json.Marshal(event)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal event: %w", err)
		result.Duration = time.Since(startTime)
		return result
	}
	signature := Sign(payload, endpoint.Secret)

	log := m.logger.With(
		slog.String("endpoint", endpoint.Name),
		slog.String("event", string(event.Type)),
		slog.String("ticket_id", event.Data.TicketID),
	)

	delay := retryConfig.InitialDelay
	for attempt := 1; attempt <= retryConfig.MaxAttempts; attempt++ {
		result.Attempts = attempt

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
		if err != nil {
			cancel()
			result.Error = fmt.Errorf("failed to create request: %w", err)
			break
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Ticketd-Event", string(event.Type))
		req.Header.Set("X-Ticketd-Delivery", event.ID)
		req.Header.Set("X-Ticketd-Timestamp", event.Timestamp.Format(time.RFC3339))
		req.Header.Set("User-Agent", "ticketd-webhooks/1.0")
		if signature != "" {
			req.Header.Set("X-Ticketd-Signature", signature)
		}
		for k, v := range endpoint.Headers {
			req.Header.Set(k, v)
		}

		resp, err := m.httpClient.Do(req)
		cancel()

		if err != nil {
			result.Error = err
			log.Warn("webhook delivery failed", slog.Int("attempt", attempt), slog.Any("error", err))
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			result.StatusCode = resp.StatusCode

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				result.Success = true
				result.Error = nil
				result.Duration = time.Since(startTime)
				m.recordSuccess()
				log.Debug("webhook delivered", slog.Int("status", resp.StatusCode))
				return result
			}

			result.Error = fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			log.Warn("webhook delivery failed", slog.Int("attempt", attempt), slog.Int("status", resp.StatusCode))

			// Client errors other than rate limiting will not succeed on retry.
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				break
			}
		}

		if attempt >= retryConfig.MaxAttempts {
			break
		}

		m.recordRetry()
		select {
		case <-ctx.Done():
			result.Error = ctx.Err()
			result.Duration = time.Since(startTime)
			return result
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * retryConfig.Multiplier)
		if delay > retryConfig.MaxDelay {
			delay = retryConfig.MaxDelay
		}
	}

	result.Duration = time.Since(startTime)
	m.recordFailure()
	log.Error("webhook delivery exhausted retries",
		slog.Int("attempts", result.Attempts),
		slog.Any("error", result.Error),
	)
	return result
}

// Sign returns the "sha256=<hex>" HMAC of payload, or "" without a secret.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		return ""
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

// ListEndpoints returns all configured endpoints.
func (m *Manager) ListEndpoints() []*EndpointConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*EndpointConfig, len(m.config.Endpoints))
	copy(result, m.config.Endpoints)
	return result
}

// Stats returns current webhook delivery statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Manager) recordSuccess() {
	m.mu.Lock()
	m.stats.Deliveries++
	m.stats.LastDeliveryAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.stats.Failures++
	m.mu.Unlock()
}

func (m *Manager) recordRetry() {
	m.mu.Lock()
	m.stats.Retries++
	m.mu.Unlock()
}

// IsEnabled returns whether webhooks are enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Enabled
}
