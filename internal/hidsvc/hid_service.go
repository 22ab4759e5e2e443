// Package hidsvc binds HID devices, frames their input report streams and
// fans the frames out to independent reader sessions.
package hidsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport"
	"github.com/hidio/hidstream/pkg/bus"
)

// Service tracks transport backends, persists device metadata and owns
// the bound devices.
type Service struct {
	log        *zap.Logger
	db         *badger.DB
	options    serviceOptions
	now        func() time.Time
	ready      chan struct{}
	backendBus *BackendBus

	deviceBus *DeviceBus
	attached  *xsync.MapOf[Address, struct{}]
	bound     *xsync.MapOf[Address, *boundDevice]
}

type (
	BackendBus       = bus.Bus[string, BackendEvent]
	BackendPublisher = bus.Publisher[BackendEvent]

	DeviceEventType uint8
	DeviceBusKey    struct {
		Type DeviceEventType
		Addr Address
	}
	DeviceBus          = bus.Bus[DeviceBusKey, DeviceNotification]
	DeviceNotification struct{}
)

const (
	DeviceAttached DeviceEventType = iota
	DeviceDetached
)

var defaultOptions = serviceOptions{
	backends:       make(map[string]Backend),
	backoffTimeout: 5 * time.Second,
}

type serviceOptions struct {
	backends       map[string]Backend
	backoffTimeout time.Duration
}

type Option func(*serviceOptions)

func WithBackend(name string, backend Backend) Option {
	return func(o *serviceOptions) {
		o.backends[name] = backend
	}
}

func WithBackoffTimeout(d time.Duration) Option {
	return func(o *serviceOptions) {
		o.backoffTimeout = d
	}
}

func New(db *badger.DB, log *zap.Logger, now func() time.Time, opts ...Option) *Service {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		db:         db,
		log:        log,
		options:    options,
		now:        now,
		ready:      make(chan struct{}),
		backendBus: bus.NewBus[string, BackendEvent](log),
		deviceBus:  bus.NewBus[DeviceBusKey, DeviceNotification](log),
		attached:   xsync.NewMapOf[Address, struct{}](),
		bound:      xsync.NewMapOf[Address, *boundDevice](),
	}
}

func (s *Service) Start(ctx context.Context) error {
	err := s.backendBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start backend bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.backendBus.Ready():
	}

	err = s.deviceBus.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start device bus: %w", err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.deviceBus.Ready():
	}

	s.consumeEvents(ctx)

	for backendID := range s.options.backends {
		go s.runBackend(ctx, backendID)
	}
	for _, backend := range s.options.backends {
		select {
		case <-ctx.Done():
			return nil
		case <-backend.Ready():
		}
	}
	close(s.ready)
	s.log.Info("Service started")
	<-ctx.Done()
	s.closeAll()
	return nil
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) consumeEvents(ctx context.Context) {
	go func() {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := s.backendBus.Subscribe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ch:
				s.handleBackendEvent(ctx, msg.Key, msg.Message)
			}
		}
	}()
}

func (s *Service) runBackend(ctx context.Context, backendID string) {
	backend := s.options.backends[backendID]
	for {
		err := backend.Start(ctx, s.backendBus.CreatePublisher(backendID))
		if err != nil {
			s.log.Error("failed to start the backend", zap.String("backend", backendID), zap.Error(err))
		}
		t := time.NewTimer(s.options.backoffTimeout)
		// retry after backoff
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		case <-t.C:
		}
	}
}

func (s *Service) handleBackendEvent(ctx context.Context, backendID string, event BackendEvent) {
	if event.DevicesChanged == nil {
		return
	}
	for _, id := range event.DevicesChanged.Detached {
		s.onDetached(ctx, backendID, id)
	}
	for _, dev := range event.DevicesChanged.Attached {
		s.onAttached(ctx, backendID, dev)
	}
}

func (s *Service) onAttached(ctx context.Context, backendID string, bdev BackendDeviceInfo) {
	rec, err := s.initializeDevice(backendID, bdev)
	if err != nil {
		s.log.Error("failed to initialize device", zap.Error(err))
		return
	}
	s.log.Debug("device attached",
		zap.String("backend", backendID),
		zap.String("id", rec.Address.ID),
		zap.String("name", rec.Name),
		zap.Time("firstSeenAt", rec.FirstSeenAt))
	s.attached.Store(rec.Address, struct{}{})
	s.deviceBus.Publish(ctx, DeviceBusKey{Type: DeviceAttached, Addr: rec.Address}, DeviceNotification{})
}

func (s *Service) onDetached(ctx context.Context, backendID, id string) {
	addr := Address{Backend: backendID, ID: id}
	s.attached.Delete(addr)
	s.log.Debug("device detached", zap.String("backend", backendID), zap.String("id", id))
	s.Unbind(addr)
	s.deviceBus.Publish(ctx, DeviceBusKey{Type: DeviceDetached, Addr: addr}, DeviceNotification{})
}

// SubscribeDeviceEvents delivers attach/detach notifications for the
// given addresses until ctx ends.
func (s *Service) SubscribeDeviceEvents(ctx context.Context, keys ...DeviceBusKey) <-chan bus.Message[DeviceBusKey, DeviceNotification] {
	return s.deviceBus.Subscribe(ctx, keys...)
}

// DeviceRecord is the persisted metadata of a device that has been seen
// at least once.
type DeviceRecord struct {
	Address     Address   `json:"address"`
	Name        string    `json:"name"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

var ErrDeviceNotFound = errors.New("hidsvc: device not found")

func (s *Service) deviceKey(address Address) []byte {
	return []byte(fmt.Sprintf("hid/devices/%s/%s", address.Backend, address.ID))
}

func (s *Service) initializeDevice(backendID string, bdev BackendDeviceInfo) (DeviceRecord, error) {
	var rec DeviceRecord
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		addr := Address{Backend: backendID, ID: bdev.ID}
		key := s.deviceKey(addr)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = DeviceRecord{Name: bdev.Name}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal device: %w", err)
			}
		}
		rec.Address = addr
		rec.Name = bdev.Name
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = now
		}
		rec.LastSeenAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal device: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("failed to persist device: %w", err)
	}
	return rec, nil
}

// ListDevices returns every device the service has ever seen.
func (s *Service) ListDevices() ([]DeviceRecord, error) {
	var records []DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("hid/devices/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			item := iter.Item()
			var rec DeviceRecord
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return records, nil
}

// GetDevice returns the persisted metadata of one device.
func (s *Service) GetDevice(addr Address) (DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.deviceKey(addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("failed to get device: %w", err)
	}
	return rec, nil
}

// IsAttached reports whether the device is currently present on its
// backend.
func (s *Service) IsAttached(addr Address) bool {
	_, ok := s.attached.Load(addr)
	return ok
}

// Bound returns the bound device for addr, if any.
func (s *Service) Bound(addr Address) (*Device, bool) {
	b, ok := s.bound.Load(addr)
	if !ok {
		return nil, false
	}
	return b.dev, true
}

type boundDevice struct {
	dev       *Device
	transport TransportDevice
	cancel    context.CancelFunc
	// pumpDone is closed when the read pump exits, so teardown can reset
	// reassembly state without racing the single ingest writer.
	pumpDone chan struct{}
}

// minTransportBuffer bounds the transport read buffer from below for
// devices with tiny reports.
const minTransportBuffer = 512

// Bind opens the device on its backend, builds the framing pipeline from
// its descriptor and starts the read pump. The returned Device stays
// valid until Unbind, detach or service shutdown.
func (s *Service) Bind(ctx context.Context, addr Address) (*Device, error) {
	backend, ok := s.options.backends[addr.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", addr.Backend)
	}
	transport, err := backend.OpenDevice(addr.ID)
	if err != nil {
		return nil, fmt.Errorf("error opening device %s: %w", addr, err)
	}
	descriptor, err := transport.ReportDescriptor()
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to fetch report descriptor: %w", err)
	}
	class, err := transport.Classification()
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to classify device: %w", err)
	}
	dev, err := NewDevice(s.log.Named("device").With(zap.String("addr", addr.String())), descriptor, class)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	b := &boundDevice{dev: dev, transport: transport, cancel: cancel, pumpDone: make(chan struct{})}
	if prev, loaded := s.bound.LoadAndStore(addr, b); loaded {
		prev.close()
	}
	go s.pump(pumpCtx, addr, b)
	return dev, nil
}

// Unbind tears down a bound device: the pump stops, the transport handle
// is closed and every session observes the closure.
func (s *Service) Unbind(addr Address) {
	if b, ok := s.bound.LoadAndDelete(addr); ok {
		b.close()
		s.log.Info("device unbound", zap.String("addr", addr.String()))
	}
}

func (b *boundDevice) close() {
	b.cancel()
	b.transport.Close()
	<-b.pumpDone
	b.dev.Close()
}

func (s *Service) closeAll() {
	s.bound.Range(func(addr Address, b *boundDevice) bool {
		s.bound.Delete(addr)
		b.close()
		return true
	})
}

// pump is the single ingest caller for its device: reassembly state is
// unsynchronized on the strength of this loop being the only writer.
func (s *Service) pump(ctx context.Context, addr Address, b *boundDevice) {
	defer close(b.pumpDone)
	// One transport read may carry several coalesced frames, so the
	// buffer holds a multiple of the largest report.
	size := b.dev.MaxInputBytes() * 16
	if size < minTransportBuffer {
		size = minTransportBuffer
	}
	buf := make([]byte, size)
	for {
		n, err := b.transport.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Error("transport read failed, unbinding device",
				zap.String("addr", addr.String()), zap.Error(err))
			// Unbind waits for this pump to exit; run it from its own
			// goroutine to avoid deadlocking on pumpDone.
			go s.Unbind(addr)
			return
		}
		if n > 0 {
			b.dev.HandleInput(buf[:n])
		}
	}
}

// BackendEvent is published by a backend when its device set changes.
type BackendEvent struct {
	DevicesChanged *BackendEventDevicesChanged
}

type BackendEventDevicesChanged struct {
	Attached []BackendDeviceInfo
	Detached []string
}

type BackendDeviceInfo struct {
	ID   string
	Name string
}

// Backend is one device transport (e.g. Linux hidraw).
type Backend interface {
	Start(ctx context.Context, pub BackendPublisher) error
	Ready() <-chan struct{}
	OpenDevice(id string) (TransportDevice, error)
}

// TransportDevice is an open transport handle for one device. Read
// returns raw report-stream chunks with no alignment guarantees.
type TransportDevice interface {
	io.ReadCloser
	ReportDescriptor() ([]byte, error)
	Classification() (hidreport.Classification, error)
}
