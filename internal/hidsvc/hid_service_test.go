package hidsvc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport"
)

type mockTransport struct {
	descriptor []byte
	class      hidreport.Classification
	chunks     chan []byte
	done       chan struct{}
}

func newMockTransport(descriptor []byte) *mockTransport {
	return &mockTransport{
		descriptor: descriptor,
		chunks:     make(chan []byte, 16),
		done:       make(chan struct{}),
	}
}

func (m *mockTransport) Read(p []byte) (int, error) {
	select {
	case <-m.done:
		return 0, errors.New("transport closed")
	case chunk := <-m.chunks:
		return copy(p, chunk), nil
	}
}

func (m *mockTransport) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}

func (m *mockTransport) ReportDescriptor() ([]byte, error) {
	return m.descriptor, nil
}

func (m *mockTransport) Classification() (hidreport.Classification, error) {
	return m.class, nil
}

type mockBackend struct {
	ready     chan struct{}
	announced []BackendDeviceInfo
	devices   map[string]*mockTransport
}

func (b *mockBackend) Start(ctx context.Context, pub BackendPublisher) error {
	pub(ctx, BackendEvent{DevicesChanged: &BackendEventDevicesChanged{
		Attached: b.announced,
	}})
	close(b.ready)
	<-ctx.Done()
	return nil
}

func (b *mockBackend) Ready() <-chan struct{} { return b.ready }

func (b *mockBackend) OpenDevice(id string) (TransportDevice, error) {
	dev, ok := b.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return dev, nil
}

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func startTestService(t *testing.T, backend *mockBackend) (*Service, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	svc := New(openTestDB(t), zap.NewNop(), time.Now, WithBackend("mock", backend))
	go svc.Start(ctx)
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("service not ready")
	}
	t.Cleanup(cancel)
	return svc, cancel
}

func TestServiceBindAndStream(t *testing.T) {
	transport := newMockTransport(testDescriptor())
	backend := &mockBackend{
		ready:     make(chan struct{}),
		announced: []BackendDeviceInfo{{ID: "dev0", Name: "Test Device"}},
		devices:   map[string]*mockTransport{"dev0": transport},
	}
	svc, _ := startTestService(t, backend)

	addr := Address{Backend: "mock", ID: "dev0"}
	require.Eventually(t, func() bool { return svc.IsAttached(addr) }, 5*time.Second, 10*time.Millisecond)

	dev, err := svc.Bind(context.Background(), addr)
	require.NoError(t, err)
	bound, ok := svc.Bound(addr)
	require.True(t, ok)
	assert.Same(t, dev, bound)

	sess, err := dev.OpenSession(0)
	require.NoError(t, err)

	// Frames arrive split across transport chunks.
	transport.chunks <- []byte{1, 0xAA}
	transport.chunks <- []byte{0xBB, 2, 1, 2}
	transport.chunks <- []byte{3, 4}

	buf := make([]byte, 8)
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	require.NoError(t, sess.WaitReadable(ctx))
	n, err := sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0xAA, 0xBB}, buf[:n])

	require.NoError(t, sess.WaitReadable(ctx))
	n, err = sess.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 1, 2, 3, 4}, buf[:n])
}

func TestServiceUnbindClosesSessions(t *testing.T) {
	transport := newMockTransport(testDescriptor())
	backend := &mockBackend{
		ready:     make(chan struct{}),
		announced: []BackendDeviceInfo{{ID: "dev0", Name: "Test Device"}},
		devices:   map[string]*mockTransport{"dev0": transport},
	}
	svc, _ := startTestService(t, backend)

	addr := Address{Backend: "mock", ID: "dev0"}
	dev, err := svc.Bind(context.Background(), addr)
	require.NoError(t, err)
	sess, err := dev.OpenSession(0)
	require.NoError(t, err)

	svc.Unbind(addr)

	select {
	case <-sess.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("session not closed on unbind")
	}
	_, ok := svc.Bound(addr)
	assert.False(t, ok)
}

func TestServicePersistsMetadata(t *testing.T) {
	backend := &mockBackend{
		ready:     make(chan struct{}),
		announced: []BackendDeviceInfo{{ID: "dev0", Name: "Test Device"}},
		devices:   map[string]*mockTransport{},
	}
	svc, _ := startTestService(t, backend)

	addr := Address{Backend: "mock", ID: "dev0"}
	require.Eventually(t, func() bool { return svc.IsAttached(addr) }, 5*time.Second, 10*time.Millisecond)

	rec, err := svc.GetDevice(addr)
	require.NoError(t, err)
	assert.Equal(t, "Test Device", rec.Name)
	assert.False(t, rec.FirstSeenAt.IsZero())

	records, err := svc.ListDevices()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, addr, records[0].Address)

	_, err = svc.GetDevice(Address{Backend: "mock", ID: "nope"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestServiceBindUnknownBackend(t *testing.T) {
	backend := &mockBackend{ready: make(chan struct{}), devices: map[string]*mockTransport{}}
	svc, _ := startTestService(t, backend)
	_, err := svc.Bind(context.Background(), Address{Backend: "other", ID: "x"})
	require.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("mock/dev0")
	require.NoError(t, err)
	assert.Equal(t, Address{Backend: "mock", ID: "dev0"}, addr)
	assert.Equal(t, "mock/dev0", addr.String())

	_, err = ParseAddress("nodash")
	assert.Error(t, err)
}
