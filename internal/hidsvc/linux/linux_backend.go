// Package linux implements the hidsvc.Backend interface on top of hidapi
// (hidraw) device handles.
package linux

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sstallion/go-hid"
	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport"
	"github.com/hidio/hidstream/internal/configsvc"
	"github.com/hidio/hidstream/internal/hidsvc"
)

// Generic Desktop usage page and the pointer usages on it.
const (
	usagePageGenericDesktop = 0x01
	usagePointer            = 0x01
	usageMouse              = 0x02
)

const descriptorBufferSize = 4096

var defaultBackendOptions = backendOptions{
	pollInterval: 1 * time.Second,
}

type backendOptions struct {
	pollInterval time.Duration
}

type Option func(*backendOptions)

func WithPollInterval(d time.Duration) Option {
	return func(o *backendOptions) {
		o.pollInterval = d
	}
}

// Backend polls hidapi for attached HID devices and opens hidraw handles
// for them. Hotplug is detected by diffing successive enumerations.
type Backend struct {
	log     *zap.Logger
	options backendOptions

	config     *configsvc.Service
	configPath string

	devices     *xsync.MapOf[HidAddress, hid.DeviceInfo]
	bootDevices *xsync.MapOf[HidAddress, struct{}]

	ready chan struct{}

	publisher hidsvc.BackendPublisher
}

// HidAddress identifies a HID interface by vendor, product and interface
// number.
type HidAddress struct {
	VendorID  uint16
	ProductID uint16
	Interface int
}

func (a HidAddress) String() string {
	return fmt.Sprintf("%04x:%04x:%d", a.VendorID, a.ProductID, a.Interface)
}

func ParseHidAddress(s string) (HidAddress, error) {
	var addr HidAddress
	_, err := fmt.Sscanf(s, "%04x:%04x:%d", &addr.VendorID, &addr.ProductID, &addr.Interface)
	if err != nil {
		return HidAddress{}, err
	}
	return addr, nil
}

func NewBackend(log *zap.Logger, configSvc *configsvc.Service, configPath string, opts ...Option) *Backend {
	options := defaultBackendOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Backend{
		options:     options,
		log:         log,
		config:      configSvc,
		configPath:  configPath,
		ready:       make(chan struct{}),
		devices:     xsync.NewMapOf[HidAddress, hid.DeviceInfo](),
		bootDevices: xsync.NewMapOf[HidAddress, struct{}](),
	}
}

// Config declares per-device transport overrides. hidapi does not expose
// the USB interface subclass, so boot protocol capability is configured
// per device instead of detected.
type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	Addr         string `yaml:"addr"`
	BootProtocol bool   `yaml:"bootProtocol"`
}

func (b *Backend) Ready() <-chan struct{} {
	return b.ready
}

func (b *Backend) Start(ctx context.Context, publisher hidsvc.BackendPublisher) error {
	hid.Init()
	b.publisher = publisher

	b.log.Info("Starting Linux HID backend")
	select {
	case <-ctx.Done():
		return nil
	case <-b.config.Ready():
	}

	cfg, err := configsvc.Register(b.config, b.configPath, Config{}, func(cfg Config, err error) {
		b.onConfigChange(cfg, err)
	})
	if err != nil {
		return fmt.Errorf("failed to register backend config: %w", err)
	}
	b.applyConfig(cfg)

	err = b.refreshDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh HID devices: %w", err)
	}

	close(b.ready)
	b.log.Info("Linux HID backend started")

	pollTicker := time.NewTicker(b.options.pollInterval)
	defer pollTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			err := b.refreshDevices(ctx)
			if err != nil {
				b.log.Error("failed to refresh HID devices", zap.Error(err))
			}
		}
	}
}

func (b *Backend) onConfigChange(cfg Config, err error) {
	if err != nil {
		b.log.Error("failed to parse backend config", zap.Error(err))
		return
	}
	b.applyConfig(cfg)
}

func (b *Backend) applyConfig(cfg Config) {
	b.bootDevices.Range(func(addr HidAddress, _ struct{}) bool {
		b.bootDevices.Delete(addr)
		return true
	})
	for _, dev := range cfg.Devices {
		if !dev.BootProtocol {
			continue
		}
		addr, err := ParseHidAddress(dev.Addr)
		if err != nil {
			b.log.Error("invalid device address in config", zap.String("addr", dev.Addr), zap.Error(err))
			continue
		}
		b.bootDevices.Store(addr, struct{}{})
	}
}

func (b *Backend) refreshDevices(ctx context.Context) error {
	newDevices, err := enumerateDevices()
	if err != nil {
		return err
	}
	var detached []string
	var attached []hidsvc.BackendDeviceInfo
	b.devices.Range(func(addr HidAddress, dev hid.DeviceInfo) bool {
		if _, ok := newDevices[addr]; !ok {
			detached = append(detached, addr.String())
			b.devices.Delete(addr)
			return true
		}
		delete(newDevices, addr)
		return true
	})

	for addr, device := range newDevices {
		b.devices.Store(addr, device)
		attached = append(attached, hidsvc.BackendDeviceInfo{
			ID:   addr.String(),
			Name: generateName(device),
		})
	}

	if len(attached) > 0 || len(detached) > 0 {
		b.publisher(ctx, hidsvc.BackendEvent{
			DevicesChanged: &hidsvc.BackendEventDevicesChanged{
				Attached: attached,
				Detached: detached,
			},
		})
	}

	return nil
}

func generateName(device hid.DeviceInfo) string {
	var parts []string
	if device.MfrStr != "" {
		parts = append(parts, device.MfrStr)
	}
	if device.ProductStr != "" {
		parts = append(parts, device.ProductStr)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%04x:%04x", device.VendorID, device.ProductID)
	}
	return strings.Join(parts, " ")
}

func enumerateDevices() (map[HidAddress]hid.DeviceInfo, error) {
	devices := make(map[HidAddress]hid.DeviceInfo)
	err := hid.Enumerate(hid.VendorIDAny, hid.ProductIDAny, func(device *hid.DeviceInfo) error {
		addr := HidAddress{
			VendorID:  device.VendorID,
			ProductID: device.ProductID,
			Interface: device.InterfaceNbr,
		}
		devices[addr] = *device
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (b *Backend) OpenDevice(id string) (hidsvc.TransportDevice, error) {
	addr, err := ParseHidAddress(id)
	if err != nil {
		return nil, err
	}

	info, ok := b.devices.Load(addr)
	if !ok {
		return nil, fmt.Errorf("device not found: %s", id)
	}
	dev, err := hid.OpenPath(info.Path)
	if err != nil {
		return nil, err
	}

	_, bootCapable := b.bootDevices.Load(addr)
	return &hidapiDevice{
		log:         b.log,
		info:        info,
		dev:         dev,
		bootCapable: bootCapable,
	}, nil
}

type hidapiDevice struct {
	log         *zap.Logger
	info        hid.DeviceInfo
	dev         *hid.Device
	bootCapable bool
}

func (h *hidapiDevice) Read(buf []byte) (int, error) {
	return h.dev.Read(buf)
}

func (h *hidapiDevice) Close() error {
	return h.dev.Close()
}

func (h *hidapiDevice) ReportDescriptor() ([]byte, error) {
	buf := make([]byte, descriptorBufferSize)
	n, err := h.dev.GetReportDescriptor(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (h *hidapiDevice) Classification() (hidreport.Classification, error) {
	isPointer := h.info.UsagePage == usagePageGenericDesktop &&
		(h.info.Usage == usagePointer || h.info.Usage == usageMouse)
	return hidreport.Classification{
		IsPointer:            isPointer,
		SupportsBootProtocol: h.bootCapable,
	}, nil
}
