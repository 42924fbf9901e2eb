package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/risk"
	"conductor/pkg/logger"
)

// pendingRequest holds the in-memory state for one pending request.
type pendingRequest struct {
	request  *Request
	done     chan *Result
	timer    *time.Timer
	approved map[string]bool // actors who approved so far (PolicyAll)
}

// Controller manages pending approval requests. Each request resolves to
// exactly one terminal outcome, delivered once over its done channel.
type Controller struct {
	mu sync.RWMutex

	pending  map[string]*pendingRequest
	resolved map[string]*Request

	notifier Notifier
	audit    AuditLogger

	timeout       time.Duration
	sweepInterval time.Duration
	maxPending    int
	policy        Policy

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config configures the Controller.
type Config struct {
	Notifier      Notifier
	Audit         AuditLogger
	Timeout       time.Duration
	SweepInterval time.Duration
	MaxPending    int
	Policy        Policy
}

// NewController creates a Controller and starts its expiry sweep.
func NewController(cfg Config) *Controller {
	timeout := 5 * time.Minute
	sweep := time.Second
	maxPending := 100
	policy := PolicyAny

	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if cfg.SweepInterval > 0 {
		sweep = cfg.SweepInterval
	}
	if cfg.MaxPending > 0 {
		maxPending = cfg.MaxPending
	}
	if cfg.Policy == PolicyAll {
		policy = PolicyAll
	}

	c := &Controller{
		pending:       make(map[string]*pendingRequest),
		resolved:      make(map[string]*Request),
		notifier:      cfg.Notifier,
		audit:         cfg.Audit,
		timeout:       timeout,
		sweepInterval: sweep,
		maxPending:    maxPending,
		policy:        policy,
		stopCh:        make(chan struct{}),
	}

	go c.sweepLoop()
	return c
}

// SetNotifier sets the notifier.
func (c *Controller) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// Request creates a new approval request. Non-blocking: callers observe the
// decision via Await.
func (c *Controller) Request(executionID, sessionID string, assessment *risk.Assessment, approvers []string, timeout time.Duration) (*Request, error) {
	c.mu.RLock()
	if len(c.pending) >= c.maxPending {
		c.mu.RUnlock()
		return nil, ErrMaxPendingExceeded
	}
	c.mu.RUnlock()

	if timeout <= 0 {
		timeout = c.timeout
	}

	now := time.Now().UTC()
	req := &Request{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		SessionID:   sessionID,
		Assessment:  assessment,
		Approvers:   approvers,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(timeout),
	}

	pr := &pendingRequest{
		request:  req,
		done:     make(chan *Result, 1),
		approved: make(map[string]bool),
	}
	pr.timer = time.AfterFunc(timeout, func() {
		c.expire(req.ID)
	})

	c.mu.Lock()
	c.pending[req.ID] = pr
	c.mu.Unlock()

	logger.Info().
		Str("request_id", req.ID).
		Str("execution_id", executionID).
		Str("operation", assessment.Operation.Name).
		Str("level", string(assessment.OverallLevel)).
		Msg("Approval request created")

	c.logAudit(req.ID, "requested", "", assessment.Reasoning)

	if c.notifier != nil {
		if err := c.notifier.NotifyRequested(req); err != nil {
			logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to send approval notification")
		}
	}

	return req, nil
}

// Await blocks until the request resolves or ctx is done. The suspended
// caller parks here cooperatively; no polling is involved.
func (c *Controller) Await(ctx context.Context, requestID string) (*Result, error) {
	c.mu.RLock()
	pr, ok := c.pending[requestID]
	if !ok {
		req, resolvedOk := c.resolved[requestID]
		c.mu.RUnlock()
		if !resolvedOk {
			return nil, ErrNotFound
		}
		return resultFromRequest(req), nil
	}
	done := pr.done
	c.mu.RUnlock()

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decide records a decision. Fails with ErrAlreadyProcessed unless the
// request is still pending. Under PolicyAll an approval from one of several
// listed approvers keeps the request pending until everyone has approved;
// any rejection is immediately terminal.
func (c *Controller) Decide(requestID string, approve bool, actor, comment string) (*Request, error) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if !ok {
		_, wasResolved := c.resolved[requestID]
		c.mu.Unlock()
		if wasResolved {
			return nil, ErrAlreadyProcessed
		}
		return nil, ErrNotFound
	}

	req := pr.request
	if len(req.Approvers) > 0 && !containsApprover(req.Approvers, actor) {
		c.mu.Unlock()
		return nil, ErrNotApprover
	}

	if approve && c.policy == PolicyAll && len(req.Approvers) > 1 {
		pr.approved[actor] = true
		if len(pr.approved) < len(req.Approvers) {
			c.mu.Unlock()
			c.logAudit(requestID, "partial_approval", actor, comment)
			logger.Info().
				Str("request_id", requestID).
				Str("actor", actor).
				Int("approvals", len(pr.approved)).
				Int("required", len(req.Approvers)).
				Msg("Partial approval recorded")
			return req, nil
		}
	}

	status := StatusRejected
	if approve {
		status = StatusApproved
	}
	c.finalizeLocked(pr, status, actor, comment)
	c.mu.Unlock()

	c.logAudit(requestID, string(status), actor, comment)
	c.deliver(pr)

	return req, nil
}

// Cancel terminates a pending request without a decision.
func (c *Controller) Cancel(requestID, actor, reason string) error {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if !ok {
		_, wasResolved := c.resolved[requestID]
		c.mu.Unlock()
		if wasResolved {
			return ErrAlreadyProcessed
		}
		return ErrNotFound
	}
	c.finalizeLocked(pr, StatusCancelled, actor, reason)
	c.mu.Unlock()

	c.logAudit(requestID, string(StatusCancelled), actor, reason)
	c.deliver(pr)
	return nil
}

// expire transitions a pending request to expired.
func (c *Controller) expire(requestID string) {
	c.mu.Lock()
	pr, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(pr, StatusExpired, "", "approval request timed out")
	c.mu.Unlock()

	logger.Warn().
		Str("request_id", requestID).
		Str("operation", pr.request.Assessment.Operation.Name).
		Msg("Approval request expired")

	c.logAudit(requestID, string(StatusExpired), "", "")
	c.deliver(pr)
}

// finalizeLocked moves a request out of pending. Caller holds c.mu.
func (c *Controller) finalizeLocked(pr *pendingRequest, status Status, actor, comment string) {
	if pr.timer != nil {
		pr.timer.Stop()
	}
	now := time.Now().UTC()
	pr.request.Status = status
	pr.request.DecidedBy = actor
	pr.request.DecidedAt = &now
	pr.request.Comment = comment

	delete(c.pending, pr.request.ID)
	c.resolved[pr.request.ID] = pr.request
}

// deliver sends the terminal result exactly once and notifies clients.
func (c *Controller) deliver(pr *pendingRequest) {
	result := resultFromRequest(pr.request)

	select {
	case pr.done <- result:
	default:
		// Already delivered.
	}

	if c.notifier != nil {
		if err := c.notifier.NotifyResolved(pr.request, result); err != nil {
			logger.Warn().Err(err).Str("request_id", pr.request.ID).Msg("Failed to send resolution notification")
		}
	}
}

// sweepLoop is a safety net behind the per-request timers: it flips any
// pending request past its expiry, at the configured interval.
func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			var expired []string
			c.mu.RLock()
			for id, pr := range c.pending {
				if now.After(pr.request.ExpiresAt) {
					expired = append(expired, id)
				}
			}
			c.mu.RUnlock()

			for _, id := range expired {
				c.expire(id)
			}
		}
	}
}

// Get returns a request by ID, pending or resolved.
func (c *Controller) Get(requestID string) (*Request, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if pr, ok := c.pending[requestID]; ok {
		return pr.request, true
	}
	if req, ok := c.resolved[requestID]; ok {
		return req, true
	}
	return nil, false
}

// ListPending returns pending requests matching the filter, oldest first.
func (c *Controller) ListPending(filter ListFilter) []*Request {
	filter.Status = StatusPending
	return c.List(filter)
}

// List returns requests matching the filter, oldest first. An empty Status
// means pending; a terminal Status lists resolved requests.
func (c *Controller) List(filter ListFilter) []*Request {
	c.mu.RLock()
	defer c.mu.RUnlock()

	matches := func(req *Request) bool {
		if filter.SessionID != "" && req.SessionID != filter.SessionID {
			return false
		}
		if filter.ExecutionID != "" && req.ExecutionID != filter.ExecutionID {
			return false
		}
		return true
	}

	var result []*Request
	if filter.Status == "" || filter.Status == StatusPending {
		result = make([]*Request, 0, len(c.pending))
		for _, pr := range c.pending {
			if matches(pr.request) {
				result = append(result, pr.request)
			}
		}
	} else {
		result = make([]*Request, 0, len(c.resolved))
		for _, req := range c.resolved {
			if req.Status == filter.Status && matches(req) {
				result = append(result, req)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].RequestedAt.Before(result[j].RequestedAt)
	})
	return result
}

// PendingCount returns the number of pending requests.
func (c *Controller) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Close cancels all pending requests and stops the sweep.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	var toDeliver []*pendingRequest
	for _, pr := range c.pending {
		c.finalizeLocked(pr, StatusCancelled, "", "controller closed")
		toDeliver = append(toDeliver, pr)
	}
	c.mu.Unlock()

	for _, pr := range toDeliver {
		c.deliver(pr)
	}
}

func (c *Controller) logAudit(requestID, event, actor, comment string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.AppendAudit(requestID, event, actor, comment); err != nil {
		logger.Warn().Err(err).Str("request_id", requestID).Msg("Failed to write approval audit entry")
	}
}

func containsApprover(approvers []string, actor string) bool {
	for _, a := range approvers {
		if a == actor {
			return true
		}
	}
	return false
}

func resultFromRequest(req *Request) *Result {
	decidedAt := time.Now().UTC()
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}
	return &Result{
		RequestID: req.ID,
		Status:    req.Status,
		Approved:  req.Status == StatusApproved,
		DecidedBy: req.DecidedBy,
		Comment:   req.Comment,
		DecidedAt: decidedAt,
	}
}
