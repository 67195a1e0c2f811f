// Package domainverify verifies that a custom domain has delegated control
// to an instance by checking for a TXT record containing an
// instance-specific verification token, retrying failed attempts with
// bounded exponential backoff.
package domainverify

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oasisprotocol/rofl-edge-proxy/internal/dnsresolve"
	"github.com/oasisprotocol/rofl-edge-proxy/internal/telemetry"
)

// dnsLookupsPerSecond bounds how often the worker pool collectively issues
// TXT lookups, so a large batch of queued verifications doesn't hammer the
// upstream resolver pool.
const dnsLookupsPerSecond = 10

// Notifier is called once a queued verification succeeds.
type Notifier interface {
	VerificationCompleted(ctx context.Context, instanceID string, domain string)
}

// request is a single pending or in-flight verification.
type request struct {
	// id correlates a single verification's log lines across retries,
	// independent of the instance/domain pair which can be requeued.
	id         uuid.UUID
	instanceID string
	domain     string
	token      string

	retryAt time.Time
	elapsed time.Duration
	next    time.Duration

	cancel context.CancelFunc
	ctx    context.Context
}

func (r *request) cancelled() bool {
	return r.ctx.Err() != nil
}

// scheduleRetry advances the exponential backoff and reports whether another
// attempt should be made. Retries are capped at 60 seconds of total elapsed
// backoff, matching the reference verifier's retry budget.
func (r *request) scheduleRetry() bool {
	const maxElapsed = 60 * time.Second
	if r.next == 0 {
		r.next = 500 * time.Millisecond
	} else {
		r.next *= 2
	}
	r.elapsed += r.next
	if r.elapsed > maxElapsed {
		return false
	}
	r.retryAt = time.Now().Add(r.next)
	return true
}

// retryHeap is a min-heap of requests ordered by retryAt, the ascending
// equivalent of the reference verifier's reversed max-heap.
type retryHeap []*request

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].retryAt.Before(h[j].retryAt) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(*request)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Verifier runs a bounded pool of workers that check DNS TXT records for
// queued domain verification requests, with retry scheduled through a
// min-heap keyed on next-attempt time.
type Verifier struct {
	workers  int
	notifier Notifier
	resolver *dnsresolve.Resolver
	limiter  *rate.Limiter
	logger   *zap.Logger

	workCh  chan *request
	retryCh chan *request

	mu      sync.Mutex
	started bool
}

// NewVerifier creates a Verifier with workers concurrent worker goroutines.
func NewVerifier(workers int, notifier Notifier, resolver *dnsresolve.Resolver, logger *zap.Logger) *Verifier {
	return &Verifier{
		workers:  workers,
		notifier: notifier,
		resolver: resolver,
		limiter:  rate.NewLimiter(rate.Limit(dnsLookupsPerSecond), workers),
		logger:   logger.With(zap.String("component", "domainverify")),
		workCh:   make(chan *request, workers*64),
		retryCh:  make(chan *request, workers*64),
	}
}

// Start spawns the worker pool and retry scheduler. It is safe to call only
// once; subsequent calls are no-ops.
func (v *Verifier) Start(ctx context.Context) {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return
	}
	v.started = true
	v.mu.Unlock()

	go v.runRetryScheduler(ctx)
	for i := 0; i < v.workers; i++ {
		go v.runWorker(ctx)
	}
}

// QueueVerification enqueues a verification attempt for domain, expecting a
// TXT record containing token. The returned cancel function stops further
// retries; it is the caller's responsibility to invoke it once the
// verification is no longer needed (e.g. the owning instance was
// deprovisioned).
func (v *Verifier) QueueVerification(parent context.Context, instanceID, domain, token string) (context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(parent)
	req := &request{
		id:         uuid.New(),
		instanceID: instanceID,
		domain:     domain,
		token:      token,
		retryAt:    time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}

	select {
	case v.workCh <- req:
		return cancel, nil
	default:
		cancel()
		return nil, fmt.Errorf("domainverify: queue is full")
	}
}

func (v *Verifier) runRetryScheduler(ctx context.Context) {
	var pending retryHeap
	heap.Init(&pending)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if pending.Len() == 0 {
			timer.Reset(time.Hour)
			return
		}
		d := time.Until(pending[0].retryAt)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-v.retryCh:
			if req.cancelled() || !req.scheduleRetry() {
				telemetry.DomainVerificationsTotal.WithLabelValues("expired").Inc()
				v.logger.Warn("giving up on domain verification",
					zap.String("verification_id", req.id.String()), zap.String("domain", req.domain), zap.String("instance_id", req.instanceID))
				continue
			}
			telemetry.DomainVerificationsTotal.WithLabelValues("retried").Inc()
			heap.Push(&pending, req)
			resetTimer()
		case <-timer.C:
			if pending.Len() == 0 {
				resetTimer()
				continue
			}
			req := heap.Pop(&pending).(*request)
			select {
			case v.workCh <- req:
			default:
			}
			resetTimer()
		}
	}
}

func (v *Verifier) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-v.workCh:
			if req.cancelled() {
				continue
			}

			v.logger.Info("processing domain verification",
				zap.String("verification_id", req.id.String()), zap.String("domain", req.domain), zap.String("instance_id", req.instanceID))

			if err := v.verifyDomain(ctx, req); err != nil {
				v.logger.Warn("domain verification failed, scheduling retry",
					zap.String("verification_id", req.id.String()), zap.String("domain", req.domain), zap.String("instance_id", req.instanceID), zap.Error(err))
				select {
				case v.retryCh <- req:
				default:
				}
				continue
			}

			telemetry.DomainVerificationsTotal.WithLabelValues("succeeded").Inc()
			v.logger.Info("domain verification successful",
				zap.String("verification_id", req.id.String()), zap.String("domain", req.domain), zap.String("instance_id", req.instanceID))
			v.notifier.VerificationCompleted(ctx, req.instanceID, req.domain)
		}
	}
}

func (v *Verifier) verifyDomain(ctx context.Context, req *request) error {
	if err := v.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("domainverify: rate limiter wait failed: %w", err)
	}

	expected := "oasis-rofl-verification=" + req.token
	records, err := v.resolver.LookupTXT(ctx, req.domain)
	if err != nil {
		return fmt.Errorf("domainverify: TXT lookup failed: %w", err)
	}
	for _, rec := range records {
		if strings.Contains(rec, expected) {
			return nil
		}
	}
	return fmt.Errorf("domainverify: TXT record not found")
}
