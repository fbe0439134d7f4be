package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trackcore/internal/codec"
	"trackcore/internal/domain"
	"trackcore/internal/metrics"
)

// defaultAckTimeout matches spec.md's default grace period between a
// command being written to the wire and the dispatcher giving up on an
// acknowledgement and either retrying or failing it.
const defaultAckTimeout = 60 * time.Second

const pollInterval = 2 * time.Second

// Store is the persistence seam: commands are queued and their status
// transitions persisted through it.
type Store interface {
	ListPendingCommands(ctx context.Context) ([]*domain.Command, error)
	UpdateCommandStatus(ctx context.Context, c *domain.Command) error
}

// Sessions resolves a device id to a live gateway connection capable of
// writing raw bytes, and reports the device's protocol so the right codec
// encodes the command.
type Sessions interface {
	Send(deviceID string, payload []byte) bool
	ProtocolOf(deviceID string) (domain.Protocol, bool)
}

// Dispatcher polls for pending commands, writes them to online devices, and
// tracks each one through its FSM until it's acknowledged, retried, or
// failed out after AckTimeout.
type Dispatcher struct {
	store    Store
	sessions Sessions
	registry *codec.Registry
	log      *zap.Logger

	ackTimeout time.Duration

	mu       sync.Mutex
	inFlight map[string]*commandMachine
}

func New(store Store, sessions Sessions, registry *codec.Registry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		sessions:   sessions,
		registry:   registry,
		log:        log,
		ackTimeout: defaultAckTimeout,
		inFlight:   make(map[string]*commandMachine),
	}
}

// Run polls for pending commands until ctx is cancelled. Callers supervise
// it under the same errgroup as the gateway and position writer.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.pollAndSend(ctx)
		}
	}
}

func (d *Dispatcher) pollAndSend(ctx context.Context) {
	pending, err := d.store.ListPendingCommands(ctx)
	if err != nil {
		d.log.Error("list pending commands failed", zap.Error(err))
		return
	}
	for _, cmd := range pending {
		d.trySend(ctx, cmd)
	}
}

func (d *Dispatcher) trySend(ctx context.Context, cmd *domain.Command) {
	protocol, online := d.sessions.ProtocolOf(cmd.DeviceID)
	if !online {
		return
	}
	dec, err := d.registry.Get(protocol)
	if err != nil {
		d.log.Error("no codec for device protocol", zap.String("device_id", cmd.DeviceID), zap.Error(err))
		return
	}
	if !dec.SupportsCommands() {
		d.log.Warn("protocol does not support downstream commands", zap.String("protocol", string(protocol)))
		return
	}

	payload, err := dec.EncodeCommand(cmd.Type, map[string]string{"payload": cmd.Payload})
	if err != nil {
		d.log.Error("encode command failed", zap.String("command_id", cmd.ID), zap.Error(err))
		return
	}
	if !d.sessions.Send(cmd.DeviceID, payload) {
		return
	}

	m := d.machineFor(cmd)
	if err := m.Event(ctx, eventSend); err != nil {
		return // already sent, or some other in-flight transition raced us
	}
	now := time.Now().UTC()
	cmd.Status = domain.CommandSent
	cmd.SentAt = &now
	d.persist(ctx, cmd)
	metrics.CommandsDispatched.WithLabelValues("sent").Inc()

	go d.awaitAck(ctx, m)
}

func (d *Dispatcher) awaitAck(ctx context.Context, m *commandMachine) {
	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	d.mu.Lock()
	cur, stillSent := d.inFlight[m.cmd.ID]
	d.mu.Unlock()
	if !stillSent || cur.Current() != string(domain.CommandSent) {
		return // already acknowledged
	}

	cmd := m.cmd
	if err := m.Event(ctx, eventRetry); err == nil {
		cmd.Status = domain.CommandPending
		cmd.RetryCount++
		d.persist(ctx, cmd)
		metrics.CommandsDispatched.WithLabelValues("retried").Inc()
		return
	}

	_ = m.Event(ctx, eventFail)
	cmd.Status = domain.CommandFailed
	d.persist(ctx, cmd)
	metrics.CommandsDispatched.WithLabelValues("failed").Inc()

	d.mu.Lock()
	delete(d.inFlight, cmd.ID)
	d.mu.Unlock()
}

// Acknowledge marks a sent command acknowledged. Nothing in this module
// calls it: the gateway does not match incoming frames to sent commands, so
// a command not acknowledged through this method is retried after
// AckTimeout and failed once its retries run out.
func (d *Dispatcher) Acknowledge(ctx context.Context, commandID, response string) {
	d.mu.Lock()
	m, ok := d.inFlight[commandID]
	d.mu.Unlock()
	if !ok {
		return
	}

	if err := m.Event(ctx, eventAck); err != nil {
		return
	}
	now := time.Now().UTC()
	m.cmd.Status = domain.CommandAcknowledged
	m.cmd.AckedAt = &now
	m.cmd.Response = response
	d.persist(ctx, m.cmd)
	metrics.CommandsDispatched.WithLabelValues("acknowledged").Inc()

	d.mu.Lock()
	delete(d.inFlight, commandID)
	d.mu.Unlock()
}

func (d *Dispatcher) machineFor(cmd *domain.Command) *commandMachine {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.inFlight[cmd.ID]; ok {
		return m
	}
	m := newCommandMachine(cmd)
	d.inFlight[cmd.ID] = m
	return m
}

func (d *Dispatcher) persist(ctx context.Context, cmd *domain.Command) {
	if err := d.store.UpdateCommandStatus(ctx, cmd); err != nil {
		d.log.Error("persist command status failed", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}
