// Package dispatch consumes command envelopes from the broker, routes each to
// the supervisor owning its domain and publishes the textual response back
// to the caller when a reply address was supplied.
//
// Every registered domain gets its own worker goroutine fed by a bounded
// queue: commands for one domain run strictly one after another, while a
// slow Startup on one domain never holds up another.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/procctl/internal/broker"
	"github.com/psantana5/procctl/internal/command"
	"github.com/psantana5/procctl/pkg/logging"
	"github.com/psantana5/procctl/pkg/retry"
	"github.com/psantana5/procctl/pkg/tracing"
)

var (
	ErrBrokerConnect = errors.New("broker connection failed")
	ErrDecode        = errors.New("failed to decode command")
	ErrUnknownDomain = errors.New("no processor registered for domain")
)

// Command outcomes as recorded in metrics
const (
	OutcomeOK      = "ok"
	OutcomeWarning = "warning"
	OutcomeError   = "error"
)

// Options configures a Dispatcher
type Options struct {
	Logger   *logging.Logger
	Tracer   *tracing.Provider
	Recorder Recorder

	// QueueDepth bounds each domain's pending commands
	QueueDepth int
	// Connect is the retry policy for the initial broker connection
	Connect retry.Config
	// ShutdownTimeout bounds the forced supervisor shutdown in Close
	ShutdownTimeout time.Duration
}

// DefaultOptions returns 3 connection attempts 5 seconds apart
func DefaultOptions() Options {
	return Options{
		QueueDepth:      32,
		Connect:         retry.Fixed(3, 5*time.Second),
		ShutdownTimeout: 60 * time.Second,
	}
}

type job struct {
	ctx  context.Context
	env  command.Envelope
	msg  broker.Message
	exec command.Executor
}

// Dispatcher routes broker deliveries to supervisors
type Dispatcher struct {
	registry *command.Registry
	dial     Dialer
	opts     Options
	logger   *logging.Logger
	tracer   *tracing.Provider
	recorder Recorder

	mu      sync.Mutex
	conn    Connection
	runDone chan struct{}

	queues  map[command.Domain]chan job
	workers sync.WaitGroup

	// jobs is the parent of every command context; Close cancels it when
	// its deadline passes with a command still in flight
	jobs       context.Context
	cancelJobs context.CancelFunc

	quit      chan struct{}
	consuming atomic.Bool
	closeOnce sync.Once
}

// New creates a dispatcher and starts one worker per registered domain
func New(registry *command.Registry, dial Dialer, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.NewNoop("procctl")
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 60 * time.Second
	}

	d := &Dispatcher{
		registry: registry,
		dial:     dial,
		opts:     opts,
		logger:   opts.Logger.WithField("component", "dispatch"),
		tracer:   opts.Tracer,
		recorder: opts.Recorder,
		queues:   make(map[command.Domain]chan job),
		quit:     make(chan struct{}),
	}
	d.jobs, d.cancelJobs = context.WithCancel(context.Background())

	for _, domain := range registry.Domains() {
		q := make(chan job, opts.QueueDepth)
		d.queues[domain] = q
		d.workers.Add(1)
		go d.worker(domain, q)
	}
	return d
}

// Connect opens the broker session, retrying per Options.Connect. On
// exhaustion the error is logged and returned; the caller keeps running
// without consuming.
func (d *Dispatcher) Connect(ctx context.Context) error {
	policy := d.opts.Connect
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Warn("Broker connection attempt failed", logging.Fields{
			"attempt":   attempt,
			"retry_in":  wait.String(),
			"transient": retry.IsRetryable(err),
			"error":     err.Error(),
		})
	}

	var conn Connection
	err := retry.Do(ctx, policy, func() error {
		c, err := d.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		d.logger.Error("Could not connect to broker, commands will not be consumed", logging.Fields{
			"fatal": true,
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrBrokerConnect, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.logger.Info("Connected to broker")
	return nil
}

// Run consumes deliveries until ctx is done, Close is called or the broker
// drops the session
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrBrokerConnect)
	}
	select {
	case <-d.quit:
		d.mu.Unlock()
		return nil
	default:
	}
	done := make(chan struct{})
	d.runDone = done
	d.mu.Unlock()
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	msgs, err := conn.Consume(ctx)
	if err != nil {
		return err
	}

	d.consuming.Store(true)
	d.recorder.SetConsuming(true)
	defer func() {
		d.consuming.Store(false)
		d.recorder.SetConsuming(false)
	}()
	d.logger.Info("Consuming commands")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Error("Broker delivery stream ended")
				return errors.New("broker delivery stream ended")
			}
			d.OnMessage(ctx, msg)
		}
	}
}

// Ready reports whether commands are being consumed
func (d *Dispatcher) Ready() bool {
	return d.consuming.Load()
}

// OnMessage handles one delivery: acknowledge, decode, route. Undecodable
// messages are dropped. Unknown domains are answered without touching any
// supervisor. Known domains are queued for their worker, blocking while that
// domain's queue is full.
func (d *Dispatcher) OnMessage(ctx context.Context, msg broker.Message) {
	if err := msg.Ack(); err != nil {
		d.logger.Warn("Failed to acknowledge delivery", logging.Fields{"error": err.Error()})
	}

	env, err := command.Decode(msg.Body)
	if err != nil {
		d.logger.Error("Dropping undecodable message", logging.Fields{
			"error": fmt.Errorf("%w: %v", ErrDecode, err).Error(),
			"bytes": len(msg.Body),
		})
		d.recorder.MessageDropped("decode")
		return
	}

	exec, ok := d.registry.Lookup(env.Domain)
	queue := d.queues[env.Domain]
	if !ok || queue == nil {
		d.logger.Warn("Command for unknown domain", logging.Fields{"domain": env.Domain, "instruction": env.Instruction})
		d.recorder.CommandExecuted(string(env.Domain), env.Instruction, OutcomeError, 0)
		d.reply(ctx, msg, command.Failf("%v %q", ErrUnknownDomain, env.Domain))
		return
	}

	select {
	case <-d.quit:
		d.logger.Warn("Dispatcher closing, dropping command", logging.Fields{"domain": env.Domain, "instruction": env.Instruction})
		d.recorder.MessageDropped("closing")
		return
	default:
	}

	j := job{ctx: d.tracer.Extract(d.jobs, msg.Headers), env: env, msg: msg, exec: exec}
	select {
	case queue <- j:
	default:
		d.logger.Info("Domain queue full, waiting", logging.Fields{"domain": env.Domain})
		select {
		case queue <- j:
		case <-d.quit:
			d.recorder.MessageDropped("closing")
		case <-ctx.Done():
			d.recorder.MessageDropped("cancelled")
		}
	}
}

func (d *Dispatcher) worker(domain command.Domain, queue <-chan job) {
	defer d.workers.Done()
	log := d.logger.WithField("domain", string(domain))
	log.Debug("Worker started")
	for j := range queue {
		select {
		case <-d.quit:
			log.Warn("Dispatcher closing, dropping queued command", logging.Fields{"instruction": j.env.Instruction})
			d.recorder.MessageDropped("closing")
			continue
		default:
		}
		d.execute(j)
	}
	log.Debug("Worker stopped")
}

func (d *Dispatcher) execute(j job) {
	ctx, span := d.tracer.StartSpan(j.ctx, "procctl.execute",
		attribute.String("procctl.domain", string(j.env.Domain)),
		attribute.String("procctl.instruction", j.env.Instruction),
	)
	defer span.End()

	start := time.Now()
	resp := j.exec.Execute(ctx, j.env.Instruction, j.env.Arguments)
	elapsed := time.Since(start)

	outcome := OutcomeOK
	switch {
	case resp.IsFailure():
		outcome = OutcomeError
		tracing.SetError(ctx, errors.New(resp.Text))
	case resp.IsWarning():
		outcome = OutcomeWarning
	}
	d.recorder.CommandExecuted(string(j.env.Domain), j.env.Instruction, outcome, elapsed)
	d.logger.Info("Command executed", logging.Fields{
		"domain":      j.env.Domain,
		"instruction": j.env.Instruction,
		"outcome":     outcome,
		"duration":    elapsed.Round(time.Millisecond).String(),
	})

	d.reply(ctx, j.msg, resp)
}

// reply publishes resp when the delivery asked for one
func (d *Dispatcher) reply(ctx context.Context, msg broker.Message, resp command.Response) {
	if msg.ReplyTo == "" || msg.CorrelationID == "" {
		d.logger.Debug("No reply address, discarding response")
		return
	}

	d.mu.Lock()
	pub := d.conn
	d.mu.Unlock()
	if pub == nil {
		d.logger.Warn("Not connected, cannot publish reply", logging.Fields{"reply_to": msg.ReplyTo})
		return
	}

	body, err := resp.Encode()
	if err != nil {
		d.logger.Error("Failed to encode response", logging.Fields{"error": err.Error()})
		return
	}
	headers := map[string]interface{}{}
	d.tracer.Inject(ctx, headers)

	err = pub.Publish(ctx, msg.ReplyTo, msg.CorrelationID, headers, body)
	d.recorder.ReplyPublished(err)
	if err != nil {
		d.logger.Error("Failed to publish reply", logging.Fields{"reply_to": msg.ReplyTo, "error": err.Error()})
	}
}

// Close stops consuming and drops every queued command. The command in
// flight on each domain may finish until ctx is done; after that it is
// cancelled. Close then sends Shutdown(force=true) to every supervisor so no
// child outlives the host. For a domain that owns no child, a forced
// Shutdown kills any matching unmanaged process as well, including one an
// operator started by hand. Finally the broker session is closed.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		close(d.quit)

		d.mu.Lock()
		runDone := d.runDone
		d.mu.Unlock()
		drained := true
		if runDone != nil {
			select {
			case <-runDone:
			case <-ctx.Done():
				d.logger.Warn("Timed out waiting for consumer to stop")
				drained = false
			}
		}

		// the consumer may still hold a queue if it did not stop
		if drained {
			for _, q := range d.queues {
				close(q)
			}
			workersDone := make(chan struct{})
			go func() {
				d.workers.Wait()
				close(workersDone)
			}()
			select {
			case <-workersDone:
			case <-ctx.Done():
				d.logger.Warn("Timed out waiting for in-flight commands, cancelling them")
			}
		}
		d.cancelJobs()

		d.shutdownSupervisors(ctx)

		d.mu.Lock()
		conn := d.conn
		d.conn = nil
		d.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// shutdownSupervisors gets its own ShutdownTimeout budget, even past the
// deadline of ctx, so owned children are still killed
func (d *Dispatcher) shutdownSupervisors(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	d.logger.Warn("Force-stopping every supervisor; unmanaged processes matching a domain are killed too")
	for _, domain := range d.registry.Domains() {
		exec, _ := d.registry.Lookup(domain)
		wg.Add(1)
		go func(domain command.Domain, exec command.Executor) {
			defer wg.Done()
			resp := exec.Execute(ctx, command.InstructionShutdown, command.Args{true})
			d.logger.Info("Supervisor force-stopped", logging.Fields{"domain": domain, "force": true, "result": resp.Text})
		}(domain, exec)
	}
	wg.Wait()
}
