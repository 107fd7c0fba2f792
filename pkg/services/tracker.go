package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/homeroute/homeroute/pkg/log"
)

// ProcessSupervisor abstracts the real process manager so the tracker is
// testable with fakes. The production implementation shells out to
// systemctl.
type ProcessSupervisor interface {
	Start(ctx context.Context, svc ServiceType) error
	Stop(ctx context.Context, svc ServiceType) error
	State(ctx context.Context, svc ServiceType) (State, error)
}

// Verification delay between issuing a start order and re-reading actual
// state. A service that exits immediately after being told to start must
// not be reported as Running.
const defaultVerifyDelay = 3 * time.Second

const refreshInterval = 30 * time.Second

// slot holds one service's tracked state. Slots lock independently so
// unrelated service commands never serialize on each other.
type slot struct {
	mu    sync.Mutex
	state State
	// busy marks a manual command in flight; the periodic refresh leaves
	// busy slots alone since the command path owns them.
	busy bool
}

// Tracker drives Start/Stop of the agent's local services and keeps an
// observable state per ServiceType, reconciled against the process manager.
type Tracker struct {
	sup         ProcessSupervisor
	verifyDelay time.Duration

	slots    map[ServiceType]*slot
	notifyCh chan Notification
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a tracker over the given supervisor. Notifications are
// buffered; a slow consumer drops notifications rather than blocking
// commands.
func NewTracker(sup ProcessSupervisor) *Tracker {
	t := &Tracker{
		sup:         sup,
		verifyDelay: defaultVerifyDelay,
		slots:       make(map[ServiceType]*slot),
		notifyCh:    make(chan Notification, 16),
		stopCh:      make(chan struct{}),
	}
	for _, svc := range AllServices {
		t.slots[svc] = &slot{state: StateStopped}
	}
	return t
}

// Run starts the periodic full-refresh loop and blocks until Close.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	// Seed the snapshot immediately rather than waiting a full interval.
	t.Refresh(ctx)

	for {
		select {
		case <-ticker.C:
			t.Refresh(ctx)
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the refresh loop.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Notifications returns the state-change channel for upstream reporting.
func (t *Tracker) Notifications() <-chan Notification {
	return t.notifyCh
}

// States returns a snapshot of all tracked states.
func (t *Tracker) States() map[ServiceType]State {
	out := make(map[ServiceType]State, len(t.slots))
	for svc, s := range t.slots {
		s.mu.Lock()
		out[svc] = s.state
		s.mu.Unlock()
	}
	return out
}

// Apply executes a commanded transition and returns the resulting state.
func (t *Tracker) Apply(ctx context.Context, svc ServiceType, action Action) (State, error) {
	switch action {
	case ActionStart:
		return t.start(ctx, svc)
	case ActionStop:
		return t.stop(ctx, svc)
	default:
		return "", fmt.Errorf("unknown service action %q", action)
	}
}

// start issues a start order, waits the verification delay, and records the
// state the service actually reached. Exactly one notification is emitted,
// reflecting the real end state.
func (t *Tracker) start(ctx context.Context, svc ServiceType) (State, error) {
	s, ok := t.slots[svc]
	if !ok {
		return "", fmt.Errorf("unknown service %q", svc)
	}

	s.mu.Lock()
	s.state = StateStarting
	s.busy = true
	s.mu.Unlock()

	logger := log.WithComponent("services")

	finish := func(state State) State {
		s.mu.Lock()
		s.state = state
		s.busy = false
		s.mu.Unlock()
		t.notify(Notification{Service: svc, State: state})
		return state
	}

	if err := t.sup.Start(ctx, svc); err != nil {
		finish(StateStopped)
		return StateStopped, fmt.Errorf("failed to start %s: %w", svc, err)
	}

	select {
	case <-time.After(t.verifyDelay):
	case <-ctx.Done():
		finish(StateStopped)
		return StateStopped, ctx.Err()
	}

	actual, err := t.sup.State(ctx, svc)
	if err != nil {
		logger.Warn().Err(err).Str("service", string(svc)).Msg("Failed to verify service state after start")
		actual = StateStopped
	}

	if actual != StateRunning {
		logger.Warn().Str("service", string(svc)).Str("state", string(actual)).
			Msg("Service did not reach running state after start")
	}
	return finish(actual), nil
}

// stop issues a stop order. Stop errors are logged but the tracked state is
// forced to Stopped regardless: the intent was to stop, and leaving the
// slot at Running would be misleading.
func (t *Tracker) stop(ctx context.Context, svc ServiceType) (State, error) {
	s, ok := t.slots[svc]
	if !ok {
		return "", fmt.Errorf("unknown service %q", svc)
	}

	s.mu.Lock()
	s.state = StateStopping
	s.busy = true
	s.mu.Unlock()

	if err := t.sup.Stop(ctx, svc); err != nil {
		log.WithComponent("services").Warn().Err(err).
			Str("service", string(svc)).Msg("Stop order failed, forcing tracked state to stopped")
	}

	s.mu.Lock()
	s.state = StateStopped
	s.busy = false
	s.mu.Unlock()

	t.notify(Notification{Service: svc, State: StateStopped})
	return StateStopped, nil
}

// StopAll stops every service. Used during shutdown teardown.
func (t *Tracker) StopAll(ctx context.Context) {
	for _, svc := range AllServices {
		if _, err := t.stop(ctx, svc); err != nil {
			log.WithComponent("services").Warn().Err(err).
				Str("service", string(svc)).Msg("Teardown stop failed")
		}
	}
}

// Refresh re-reads all service states from the process manager and
// overwrites the tracked snapshot. This is the source of truth when no
// manual command is in flight and reconciles drift from out-of-band
// restarts or crashes.
func (t *Tracker) Refresh(ctx context.Context) {
	for svc, s := range t.slots {
		actual, err := t.sup.State(ctx, svc)
		if err != nil {
			log.WithComponent("services").Debug().Err(err).
				Str("service", string(svc)).Msg("State query failed during refresh")
			continue
		}

		s.mu.Lock()
		if s.busy {
			s.mu.Unlock()
			continue
		}
		changed := s.state != actual
		s.state = actual
		s.mu.Unlock()

		if changed {
			t.notify(Notification{Service: svc, State: actual})
		}
	}
}

// notify never blocks: reporting is decoupled from the command path.
func (t *Tracker) notify(n Notification) {
	select {
	case t.notifyCh <- n:
	default:
		log.WithComponent("services").Warn().
			Str("service", string(n.Service)).Str("state", string(n.State)).
			Msg("Notification buffer full, dropping state change")
	}
}
