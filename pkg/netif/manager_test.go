package netif

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController records operations instead of touching the kernel.
type fakeController struct {
	mu      sync.Mutex
	addrs   []InterfaceAddr
	ops     []string
	addErr  error
	listErr error
}

func (f *fakeController) List(ctx context.Context, iface string) ([]InterfaceAddr, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.addrs, nil
}

func (f *fakeController) Add(ctx context.Context, iface string, ip net.IP, plen int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.ops = append(f.ops, fmt.Sprintf("add %s/%d", ip, plen))
	return nil
}

func (f *fakeController) Remove(ctx context.Context, iface string, ip net.IP, plen int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, fmt.Sprintf("del %s/%d", ip, plen))
	return nil
}

func TestApplyAssignsNewAddress(t *testing.T) {
	ctrl := &fakeController{}
	m := NewManager("eth0", ctrl)

	changed, err := m.Apply(context.Background(), "2001:db8::2")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"add 2001:db8::2/128"}, ctrl.ops)
	require.NotNil(t, m.Current())
	assert.Equal(t, "2001:db8::2", m.Current().IP.String())
}

func TestApplySameAddressIsNoOp(t *testing.T) {
	ctrl := &fakeController{}
	m := NewManager("eth0", ctrl)

	_, err := m.Apply(context.Background(), "2001:db8::2")
	require.NoError(t, err)

	changed, err := m.Apply(context.Background(), "2001:db8::2")
	require.NoError(t, err)
	assert.False(t, changed)

	// No removal may occur on reapplication of the held address.
	assert.Equal(t, []string{"add 2001:db8::2/128"}, ctrl.ops)
}

func TestApplyReplacesRemoveThenAdd(t *testing.T) {
	ctrl := &fakeController{}
	m := NewManager("eth0", ctrl)

	_, err := m.Apply(context.Background(), "2001:db8::2")
	require.NoError(t, err)

	changed, err := m.Apply(context.Background(), "2001:db8::3")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{
		"add 2001:db8::2/128",
		"del 2001:db8::2/128",
		"add 2001:db8::3/128",
	}, ctrl.ops)
}

func TestApplyExplicitPrefixLength(t *testing.T) {
	ctrl := &fakeController{}
	m := NewManager("eth0", ctrl)

	_, err := m.Apply(context.Background(), "2001:db8::2/80")
	require.NoError(t, err)
	assert.Equal(t, []string{"add 2001:db8::2/80"}, ctrl.ops)
}

func TestApplyAddFailureSurfaced(t *testing.T) {
	ctrl := &fakeController{addErr: errors.New("RTNETLINK answers: permission denied")}
	m := NewManager("eth0", ctrl)

	_, err := m.Apply(context.Background(), "2001:db8::2")
	assert.Error(t, err)
	assert.Nil(t, m.Current())
}

func TestApplyRejectsBadInput(t *testing.T) {
	m := NewManager("eth0", &fakeController{})

	for _, bad := range []string{"", "not-an-ip", "192.0.2.1", "2001:db8::2/200"} {
		_, err := m.Apply(context.Background(), bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestDiscoverAdoptsStatefulAddress(t *testing.T) {
	ctrl := &fakeController{addrs: []InterfaceAddr{
		{IP: net.ParseIP("2001:db8:1:0:aaaa:bbbb:cccc:dddd"), PrefixLen: 64, Dynamic: true},
		{IP: net.ParseIP("2001:db8:1::2"), PrefixLen: 128, Dynamic: true},
	}}
	m := NewManager("eth0", ctrl)

	got, err := m.Discover(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "2001:db8:1::2", got.IP.String())
	assert.Equal(t, got, m.Current())
}
