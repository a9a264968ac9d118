package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"agentops/internal/domain"
	"agentops/internal/eventbus"
	"agentops/internal/storage"
	"agentops/pkg/logx"
)

// Config sizes the dispatch pool and its retry policy.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int // delivery attempts per notification before it goes failed
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

// Dispatcher creates notification rows from governance events and delivers
// them asynchronously. Creation is synchronous and durable; delivery never
// blocks the caller.
type Dispatcher struct {
	cfg      Config
	store    *storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	gateways map[domain.Channel]Gateway
	limiter  *rate.Limiter
	now      func() time.Time

	queue  chan uuid.UUID
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config, store *storage.Store, bus eventbus.Bus, log logx.Logger, gateways map[domain.Channel]Gateway) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		log:      log.With(logx.String("comp", "notify")),
		gateways: gateways,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:      time.Now,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
	}
}

// SetNow overrides the clock. Test hook.
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// Start launches the delivery workers and the event subscriber, then
// requeues rows left pending by a previous run.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	pending, err := d.store.PendingNotifications(ctx)
	if err != nil {
		return fmt.Errorf("notify recovery: %w", err)
	}
	for _, n := range pending {
		d.enqueue(n.ID)
	}
	if len(pending) > 0 {
		d.log.Info("requeued pending notifications", logx.Int("count", len(pending)))
	}

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Add(1)
	go d.subscribe(ctx)

	d.log.Info("dispatcher started",
		logx.Int("workers", d.cfg.Workers),
		logx.Int("rate_per_sec", d.cfg.RatePerSec),
		logx.Int("retry_max", d.cfg.RetryMax))
	return nil
}

// Stop cancels workers and waits for them to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Notify persists a notification and queues it for delivery. The row exists
// before Notify returns even if delivery lags or the process dies.
func (d *Dispatcher) Notify(ctx context.Context, n *domain.Notification) error {
	if n.AgentID == uuid.Nil {
		return fmt.Errorf("%w: notification requires an agent id", domain.ErrValidation)
	}
	if n.Title == "" {
		return fmt.Errorf("%w: notification requires a title", domain.ErrValidation)
	}
	now := d.now()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.Status = domain.DeliveryPending
	n.CreatedAt = now
	n.UpdatedAt = now
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return err
	}
	d.enqueue(n.ID)
	return nil
}

// MarkRead flags a delivered notification as read. Idempotent: the first
// call wins the timestamp, repeats succeed without changing it.
func (d *Dispatcher) MarkRead(ctx context.Context, agentID, id uuid.UUID) error {
	return d.store.MarkNotificationRead(ctx, agentID, id, d.now())
}

// Resend requeues a permanently failed notification.
func (d *Dispatcher) Resend(ctx context.Context, agentID, id uuid.UUID) error {
	if err := d.store.RequeueNotification(ctx, agentID, id, d.now()); err != nil {
		return err
	}
	d.enqueue(id)
	return nil
}

func (d *Dispatcher) enqueue(id uuid.UUID) {
	select {
	case d.queue <- id:
	default:
		// Row stays pending; the next startup requeue picks it up.
		d.log.Warn("delivery queue full", logx.String("notification_id", id.String()))
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.deliver(ctx, id)
		}
	}
}

// deliver runs the retry loop for one notification. The channel is resolved
// here, from the contact's current preference, so a preference change
// between creation and dispatch is honored.
func (d *Dispatcher) deliver(ctx context.Context, id uuid.UUID) {
	n, err := d.store.GetNotificationByID(ctx, id)
	if err != nil {
		d.log.Error("load notification", logx.String("notification_id", id.String()), logx.Err(err))
		return
	}
	if n.Status != domain.DeliveryPending {
		return
	}
	log := d.log.With(
		logx.String("notification_id", n.ID.String()),
		logx.String("agent_id", n.AgentID.String()),
		logx.String("type", string(n.Type)))

	contact, err := d.store.GetMasterContact(ctx, n.AgentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// No master contact configured: nothing to deliver to. The row
			// stays as the audit record.
			if serr := d.store.SetDeliveryOutcome(ctx, n.ID, domain.DeliveryFailed, d.now()); serr != nil {
				log.Error("mark failed", logx.Err(serr))
			}
			log.Warn("no master contact, delivery failed")
			return
		}
		log.Error("load contact", logx.Err(err))
		return
	}

	channel := contact.PreferredChannel
	if !channel.Valid() {
		channel = domain.ChannelTelegram
	}
	gw, ok := d.gateways[channel]
	if !ok {
		if serr := d.store.SetDeliveryOutcome(ctx, n.ID, domain.DeliveryFailed, d.now()); serr != nil {
			log.Error("mark failed", logx.Err(serr))
		}
		log.Warn("no gateway for channel", logx.String("channel", string(channel)))
		return
	}

	// Each dispatch gets a fresh retry window; the row's attempts column
	// keeps the lifetime total across resends.
	for attempt := 0; attempt < d.cfg.RetryMax; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.store.RecordDeliveryAttempt(ctx, n.ID, channel, d.now()); err != nil {
			log.Error("record attempt", logx.Err(err))
			return
		}

		status, sendErr := gw.Send(ctx, contact, n)
		if sendErr == nil {
			if err := d.store.SetDeliveryOutcome(ctx, n.ID, status, d.now()); err != nil {
				log.Error("record outcome", logx.Err(err))
				return
			}
			log.Info("notification delivered",
				logx.String("channel", string(channel)),
				logx.String("status", string(status)),
				logx.Int("attempts", attempt+1))
			return
		}

		log.Warn("delivery attempt failed",
			logx.String("channel", string(channel)),
			logx.Int("attempt", attempt+1),
			logx.Err(sendErr))
		if attempt+1 >= d.cfg.RetryMax {
			break
		}
		if !sleepCtx(ctx, d.backoff(attempt)) {
			return
		}
	}

	if err := d.store.SetDeliveryOutcome(ctx, n.ID, domain.DeliveryFailed, d.now()); err != nil {
		log.Error("mark failed", logx.Err(err))
		return
	}
	log.Error("delivery failed permanently", logx.Int("attempts", d.cfg.RetryMax))
}

// backoff doubles from the base per attempt, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBase
	for i := 0; i < attempt && delay < d.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
