package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSupervisor simulates the process manager with programmable outcomes.
type fakeSupervisor struct {
	mu sync.Mutex
	// states returned by State queries
	states map[ServiceType]State
	// exitsImmediately makes a started service report stopped on the
	// verification read, like a crash-looping unit.
	exitsImmediately map[ServiceType]bool
	startErr         error
	stopErr          error
	stopCalls        []ServiceType
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		states:           make(map[ServiceType]State),
		exitsImmediately: make(map[ServiceType]bool),
	}
}

func (f *fakeSupervisor) Start(ctx context.Context, svc ServiceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.exitsImmediately[svc] {
		f.states[svc] = StateStopped
	} else {
		f.states[svc] = StateRunning
	}
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, svc ServiceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, svc)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.states[svc] = StateStopped
	return nil
}

func (f *fakeSupervisor) State(ctx context.Context, svc ServiceType) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[svc]; ok {
		return s, nil
	}
	return StateStopped, nil
}

func newTestTracker(sup ProcessSupervisor) *Tracker {
	t := NewTracker(sup)
	t.verifyDelay = 10 * time.Millisecond
	return t
}

func drainOne(t *testing.T, tr *Tracker) Notification {
	t.Helper()
	select {
	case n := <-tr.Notifications():
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func assertNoNotification(t *testing.T, tr *Tracker) {
	t.Helper()
	select {
	case n := <-tr.Notifications():
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartReachesRunning(t *testing.T) {
	sup := newFakeSupervisor()
	tr := newTestTracker(sup)

	state, err := tr.Apply(context.Background(), ServiceApp, ActionStart)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)

	n := drainOne(t, tr)
	assert.Equal(t, ServiceApp, n.Service)
	assert.Equal(t, StateRunning, n.State)
	assertNoNotification(t, tr)
}

func TestStartServiceExitsImmediately(t *testing.T) {
	sup := newFakeSupervisor()
	sup.exitsImmediately[ServiceApp] = true
	tr := newTestTracker(sup)

	state, err := tr.Apply(context.Background(), ServiceApp, ActionStart)
	require.NoError(t, err)
	assert.NotEqual(t, StateRunning, state)
	assert.Equal(t, StateStopped, tr.States()[ServiceApp])

	// Exactly one notification, reflecting the real end state. Not two,
	// and never "running" then silently corrected.
	n := drainOne(t, tr)
	assert.Equal(t, StateStopped, n.State)
	assertNoNotification(t, tr)
}

func TestStartOrderFails(t *testing.T) {
	sup := newFakeSupervisor()
	sup.startErr = errors.New("unit not found")
	tr := newTestTracker(sup)

	state, err := tr.Apply(context.Background(), ServiceDb, ActionStart)
	assert.Error(t, err)
	assert.Equal(t, StateStopped, state)

	n := drainOne(t, tr)
	assert.Equal(t, StateStopped, n.State)
}

func TestStopForcesStoppedOnError(t *testing.T) {
	sup := newFakeSupervisor()
	sup.states[ServiceApp] = StateRunning
	sup.stopErr = errors.New("timeout stopping unit")
	tr := newTestTracker(sup)

	state, err := tr.Apply(context.Background(), ServiceApp, ActionStop)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
	assert.Equal(t, StateStopped, tr.States()[ServiceApp])

	n := drainOne(t, tr)
	assert.Equal(t, StateStopped, n.State)
}

func TestUnknownAction(t *testing.T) {
	tr := newTestTracker(newFakeSupervisor())

	_, err := tr.Apply(context.Background(), ServiceApp, Action("restart"))
	assert.Error(t, err)
}

func TestRefreshReconcilesDrift(t *testing.T) {
	sup := newFakeSupervisor()
	tr := newTestTracker(sup)

	// Out-of-band start: the process manager says running, tracker says
	// stopped.
	sup.mu.Lock()
	sup.states[ServiceDb] = StateRunning
	sup.mu.Unlock()

	tr.Refresh(context.Background())
	assert.Equal(t, StateRunning, tr.States()[ServiceDb])

	n := drainOne(t, tr)
	assert.Equal(t, ServiceDb, n.Service)
	assert.Equal(t, StateRunning, n.State)

	// A second refresh with no drift emits nothing.
	tr.Refresh(context.Background())
	assertNoNotification(t, tr)
}

func TestStopAll(t *testing.T) {
	sup := newFakeSupervisor()
	for _, svc := range AllServices {
		sup.states[svc] = StateRunning
	}
	tr := newTestTracker(sup)

	tr.StopAll(context.Background())

	assert.ElementsMatch(t, AllServices, sup.stopCalls)
	for svc, state := range tr.States() {
		assert.Equal(t, StateStopped, state, "service %s", svc)
	}
}

func TestIndependentSlots(t *testing.T) {
	sup := newFakeSupervisor()
	tr := newTestTracker(sup)

	// Concurrent commands on different services must not serialize or
	// corrupt each other's slots.
	var wg sync.WaitGroup
	for _, svc := range AllServices {
		wg.Add(1)
		go func(svc ServiceType) {
			defer wg.Done()
			_, _ = tr.Apply(context.Background(), svc, ActionStart)
		}(svc)
	}
	wg.Wait()

	for svc, state := range tr.States() {
		assert.Equal(t, StateRunning, state, "service %s", svc)
	}
}
