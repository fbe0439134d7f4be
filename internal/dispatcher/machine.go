// Package dispatcher drives downstream commands through a per-command
// pending -> sent -> {acknowledged, failed} state machine, with a
// sent -> pending retry path bounded by the command's MaxRetries — modeled
// on _examples/cloupeer-cloupeer's vehicle reconcile FSM, generalized from a
// firmware-update reconcile loop to a command/ack protocol, and grounded on
// original_source/app/core/database.py's enqueue_command/get_pending_commands/
// mark_command_sent for the underlying lifecycle.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"trackcore/internal/domain"
)

const (
	eventSend  = "send"
	eventAck   = "ack"
	eventFail  = "fail"
	eventRetry = "retry"
)

// commandMachine wraps one in-flight command's state machine. It is not
// safe for concurrent use; Dispatcher serializes access per command id
// behind its own mutex-guarded map.
type commandMachine struct {
	*fsm.FSM
	cmd *domain.Command
}

func newCommandMachine(cmd *domain.Command) *commandMachine {
	m := &commandMachine{cmd: cmd}
	m.FSM = fsm.NewFSM(
		string(cmd.Status),
		fsm.Events{
			{Name: eventSend, Src: []string{string(domain.CommandPending)}, Dst: string(domain.CommandSent)},
			{Name: eventAck, Src: []string{string(domain.CommandSent)}, Dst: string(domain.CommandAcknowledged)},
			{Name: eventFail, Src: []string{string(domain.CommandSent)}, Dst: string(domain.CommandFailed)},
			{Name: eventRetry, Src: []string{string(domain.CommandSent)}, Dst: string(domain.CommandPending)},
		},
		fsm.Callbacks{
			"before_" + eventRetry: m.guardRetriesRemaining,
		},
	)
	return m
}

// guardRetriesRemaining cancels the retry transition once MaxRetries is
// exhausted, so the caller's next event must be fail instead.
func (m *commandMachine) guardRetriesRemaining(ctx context.Context, e *fsm.Event) {
	if m.cmd.RetryCount >= m.cmd.MaxRetries {
		e.Cancel(fmt.Errorf("dispatcher: command %s exhausted %d retries", m.cmd.ID, m.cmd.MaxRetries))
	}
}
