package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"wis2sub/internal/broker"
	"wis2sub/internal/filter"
	"wis2sub/internal/logger"
	"wis2sub/internal/wnm"
	apperrors "wis2sub/pkg/errors"
	"wis2sub/pkg/logging"
	"wis2sub/pkg/metrics"
	"wis2sub/pkg/retry"
)

// Sink is the downstream consumer contract the pipeline dispatches to.
type Sink interface {
	Accept(ctx context.Context, n wnm.Notification) error
}

// ReconnectPolicy bounds the Connecting retry loop.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // 0 means unbounded
}

// Options configures one pipeline session.
type Options struct {
	Concurrency        int
	RateLimitPerSecond float64 // 0 disables
	DrainTimeout       time.Duration
	DispatchTimeout    time.Duration
	RetryDispatch      bool // retry failed dispatches instead of skipping
	DispatchRetry      retry.Policy
	Reconnect          ReconnectPolicy
	SkipValidation     bool
}

func DefaultOptions() Options {
	return Options{
		Concurrency:     4,
		DrainTimeout:    10 * time.Second,
		DispatchTimeout: 30 * time.Second,
		DispatchRetry:   retry.DefaultPolicy(),
		Reconnect: ReconnectPolicy{
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2.0,
		},
	}
}

// Pipeline owns one logical subscription: it supervises the broker
// connection and runs decode → validate → filter → dispatch for every
// inbound message, producing exactly one outcome per message.
type Pipeline struct {
	sub       broker.Subscriber
	validator *wnm.Validator
	criteria  *filter.Criteria
	sink      Sink
	reporter  Reporter
	log       logger.Logger
	opts      Options

	state    atomic.Int32
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	wg       sync.WaitGroup
	draining atomic.Bool

	// workCtx outlives the run context so in-flight dispatches can finish
	// during the drain window; workCancel abandons them when it expires.
	workCtx    context.Context
	workCancel context.CancelFunc
}

func New(sub broker.Subscriber, validator *wnm.Validator, criteria *filter.Criteria, s Sink, reporter Reporter, log logger.Logger, opts Options) *Pipeline {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if reporter == nil {
		reporter = NopReporter{}
	}

	p := &Pipeline{
		sub:       sub,
		validator: validator,
		criteria:  criteria,
		sink:      s,
		reporter:  reporter,
		log:       log,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
	}
	if opts.RateLimitPerSecond > 0 {
		burst := int(opts.RateLimitPerSecond)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitPerSecond), burst)
	}
	p.setState(StateDisconnected)
	return p
}

// State reports the current session state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	metrics.SetSessionState(int(s))
}

// Run drives the session until ctx is canceled (clean shutdown, returns nil)
// or the reconnect budget is exhausted (returns a transport error). A decode,
// validation, or dispatch failure never terminates the session.
func (p *Pipeline) Run(ctx context.Context) error {
	p.workCtx, p.workCancel = context.WithCancel(context.Background())
	defer p.workCancel()
	defer p.setState(StateClosed)

	for {
		p.setState(StateConnecting)
		if err := p.connectWithBackoff(ctx); err != nil {
			if ctx.Err() != nil {
				p.drain()
				return nil
			}
			return err
		}
		p.setState(StateSubscribed)
		p.log.InfowCtx(ctx, "Subscription active")

		err := p.consume(ctx)
		if ctx.Err() != nil {
			p.drain()
			return nil
		}

		p.log.WarnwCtx(ctx, "Transport failure, reconnecting",
			"error", err,
		)
	}
}

// connectWithBackoff retries the broker handshake under exponential backoff
// until it succeeds, the context ends, or the attempt budget runs out.
func (p *Pipeline) connectWithBackoff(ctx context.Context) error {
	b := retry.ExponentialBackoff(p.opts.Reconnect.InitialInterval, p.opts.Reconnect.MaxInterval, p.opts.Reconnect.Multiplier)

	attempts := 0
	for {
		err := p.sub.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		metrics.ReconnectsTotal.Inc()

		if p.opts.Reconnect.MaxAttempts > 0 && attempts >= p.opts.Reconnect.MaxAttempts {
			return apperrors.ErrTransport.WithCause(err).
				WithDetail("message", fmt.Sprintf("gave up connecting after %d attempts", attempts))
		}

		delay := b.NextBackOff()
		p.log.WarnwCtx(ctx, "Broker connect failed, retrying",
			"attempt", attempts,
			"retry_in", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consume processes messages until the connection drops or ctx ends.
// Messages are picked up in broker delivery order; with concurrency above
// one, completion order is not guaranteed.
func (p *Pipeline) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-p.sub.ConnectionLost():
			return err
		case msg := <-p.sub.Messages():
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					p.reportAbandoned(msg, err)
					return err
				}
			}
			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.reportAbandoned(msg, err)
				return err
			}
			p.wg.Add(1)
			metrics.InFlightMessages.Inc()
			go func() {
				defer func() {
					metrics.InFlightMessages.Dec()
					p.sem.Release(1)
					p.wg.Done()
				}()
				p.process(msg)
			}()
		}
	}
}

// process runs one message's full pipeline to a single terminal outcome.
// A panic in any stage is contained to this message: it is recovered,
// recorded as that message's outcome, and the session keeps running.
func (p *Pipeline) process(msg broker.RawMessage) {
	ctx := logging.WithTopic(p.workCtx, msg.Topic)
	metrics.MessagesReceivedTotal.WithLabelValues(topicPrefix(msg.Topic)).Inc()

	panicStatus := StatusDecodeFailed
	defer func() {
		if err := apperrors.RecoverPanic(recover()); err != nil {
			p.log.ErrorwCtx(ctx, "Panic recovered during message processing",
				"error", err,
			)
			p.report(ctx, Outcome{Topic: msg.Topic, Status: panicStatus, Err: err})
		}
	}()

	start := time.Now()
	n, err := wnm.Decode(msg.Payload, msg.Topic)
	metrics.ObserveStageDuration("decode", time.Since(start))
	if err != nil {
		p.report(ctx, Outcome{Topic: msg.Topic, Status: StatusDecodeFailed, Err: err})
		return
	}
	ctx = logging.WithMessageID(ctx, n.ID)
	panicStatus = StatusDispatchFailed

	if !p.opts.SkipValidation {
		start = time.Now()
		n, err = p.validator.Validate(n)
		metrics.ObserveStageDuration("validate", time.Since(start))
		if err != nil {
			p.report(ctx, Outcome{Topic: msg.Topic, Status: StatusValidationFailed, Err: err})
			return
		}
	}

	start = time.Now()
	matched := p.criteria.Matches(n)
	metrics.ObserveStageDuration("filter", time.Since(start))
	if !matched {
		p.report(ctx, Outcome{Topic: msg.Topic, Status: StatusFilteredOut})
		return
	}

	p.dispatch(ctx, msg.Topic, n)
}

// dispatch hands a filtered-in notification to the sink, bounded by the
// dispatch timeout and retried per configuration. A failure is always
// reported; filtered-in messages are never dropped silently.
func (p *Pipeline) dispatch(ctx context.Context, topic string, n wnm.Notification) {
	start := time.Now()

	accept := func() error {
		dctx, cancel := context.WithTimeout(ctx, p.opts.DispatchTimeout)
		defer cancel()
		return p.sink.Accept(dctx, n)
	}

	var err error
	if p.opts.RetryDispatch {
		err = retry.RetryWithCallback(ctx, p.opts.DispatchRetry, accept,
			func(attempt int, retryErr error, nextDelay time.Duration) {
				metrics.DispatchRetriesTotal.Inc()
				p.log.WarnwCtx(ctx, "Retrying dispatch",
					"attempt", attempt,
					"next_delay", nextDelay,
					"error", retryErr,
				)
			})
	} else {
		err = accept()
	}

	if err != nil {
		metrics.ObserveDispatchDuration(time.Since(start), "failed")
		if p.draining.Load() && errors.Is(err, context.Canceled) {
			err = apperrors.ErrDispatch.WithCause(err).WithDetail("reason", "shutdown")
		}
		p.report(ctx, Outcome{Topic: topic, Status: StatusDispatchFailed, Err: err})
		return
	}

	metrics.ObserveDispatchDuration(time.Since(start), "ok")
	p.report(ctx, Outcome{Topic: topic, Status: StatusDispatched})
}

// reportAbandoned records an outcome for a message already taken off the
// broker channel that never reached a worker. Without it a shutdown racing
// the semaphore would drop the message with no outcome at all.
func (p *Pipeline) reportAbandoned(msg broker.RawMessage, cause error) {
	ctx := logging.WithTopic(p.workCtx, msg.Topic)
	p.report(ctx, Outcome{
		Topic:  msg.Topic,
		Status: StatusDispatchFailed,
		Err: apperrors.ErrDispatch.WithCause(cause).
			WithDetail("reason", "shutdown"),
	})
}

func (p *Pipeline) report(ctx context.Context, outcome Outcome) {
	p.reporter.Record(outcome)

	switch outcome.Status {
	case StatusDispatched:
		p.log.InfowCtx(ctx, "Notification dispatched")
	case StatusFilteredOut:
		p.log.DebugwCtx(ctx, "Notification filtered out")
	default:
		p.log.WarnwCtx(ctx, "Message not dispatched",
			"status", string(outcome.Status),
			"error", outcome.Err,
		)
	}
}

// drain stops accepting new messages, waits for in-flight dispatches up to
// the drain timeout, and abandons the rest.
func (p *Pipeline) drain() {
	p.setState(StateDraining)
	p.draining.Store(true)
	_ = p.sub.Disconnect(time.Second)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Infow("Drained all in-flight messages")
	case <-time.After(p.opts.DrainTimeout):
		p.log.Warnw("Drain timeout exceeded, abandoning in-flight messages",
			"drain_timeout", p.opts.DrainTimeout,
		)
		p.workCancel()
		<-done
	}
}

func topicPrefix(topic string) string {
	if i := strings.Index(topic, wnm.TopicSeparator); i > 0 {
		return topic[:i]
	}
	return topic
}
