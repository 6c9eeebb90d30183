// Package nbd attaches disk images to kernel network block devices with
// qemu-nbd.
package nbd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/buildkite/cvmtools/internal/retry"
	"github.com/buildkite/cvmtools/internal/runner"
	"github.com/charmbracelet/log"
)

const (
	DefaultDevice          = "/dev/nbd0"
	DefaultPartitionSuffix = "p1"
	defaultBinary          = "qemu-nbd"
)

type Format string

const (
	FormatRaw   Format = "raw"
	FormatVPC   Format = "vpc"
	FormatQCOW2 Format = "qcow2"
)

// DetectFormat guesses the on-disk format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vhd", ".vpc":
		return FormatVPC
	case ".qcow2":
		return FormatQCOW2
	default:
		return FormatRaw
	}
}

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.TrimSpace(strings.ToLower(raw))) {
	case FormatRaw:
		return FormatRaw, nil
	case FormatVPC, "vhd":
		return FormatVPC, nil
	case FormatQCOW2:
		return FormatQCOW2, nil
	default:
		return "", fmt.Errorf("unsupported image format %q (want raw, vpc or qcow2)", raw)
	}
}

type Handle struct {
	Device    string
	Image     string
	Partition string
}

type AttachmentError struct {
	Op     string
	Device string
	Image  string
	Err    error
}

func (e *AttachmentError) Error() string {
	if e.Image == "" {
		return fmt.Sprintf("nbd %s %s: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("nbd %s %s (image %s): %v", e.Op, e.Device, e.Image, e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

type Config struct {
	Device          string
	PartitionSuffix string
	Binary          string
	Poll            retry.Policy
	Runner          runner.Runner
	Logger          *log.Logger
}

type Manager struct {
	device          string
	partitionSuffix string
	binary          string
	poll            retry.Policy
	runner          runner.Runner
	logger          *log.Logger
}

func New(cfg Config) *Manager {
	m := &Manager{
		device:          strings.TrimSpace(cfg.Device),
		partitionSuffix: cfg.PartitionSuffix,
		binary:          strings.TrimSpace(cfg.Binary),
		poll:            cfg.Poll,
		runner:          cfg.Runner,
		logger:          cfg.Logger,
	}
	if m.device == "" {
		m.device = DefaultDevice
	}
	if m.partitionSuffix == "" {
		m.partitionSuffix = DefaultPartitionSuffix
	}
	if m.binary == "" {
		m.binary = defaultBinary
	}
	if m.poll.Attempts == 0 {
		m.poll = retry.ReadinessPolicy
	}
	if m.runner == nil {
		m.runner = &runner.Exec{}
	}
	if m.logger == nil {
		m.logger = log.New(io.Discard)
	}
	return m
}

func (m *Manager) Device() string {
	return m.device
}

func (m *Manager) PartitionPath() string {
	return m.device + m.partitionSuffix
}

// LoadModule loads the nbd kernel module. Loading an already loaded module
// succeeds.
func (m *Manager) LoadModule(ctx context.Context) error {
	if err := m.runner.Run(ctx, "modprobe", "nbd"); err != nil {
		return &AttachmentError{Op: "load-module", Device: m.device, Err: err}
	}
	return nil
}

// Attach connects image to the device and waits for its first partition
// node. If the partition never appears the device is disconnected again.
func (m *Manager) Attach(ctx context.Context, image string, format Format) (Handle, error) {
	if format == "" {
		format = DetectFormat(image)
	}
	h := Handle{Device: m.device, Image: image, Partition: m.PartitionPath()}

	m.logger.Debug("connecting image", "device", h.Device, "image", image, "format", format)
	if err := m.runner.Run(ctx, m.binary, "--format", string(format), "--connect="+h.Device, image); err != nil {
		return Handle{}, &AttachmentError{Op: "connect", Device: h.Device, Image: image, Err: err}
	}

	if err := retry.WaitForPath(ctx, h.Partition, m.poll); err != nil {
		attachErr := &AttachmentError{Op: "wait-partition", Device: h.Device, Image: image, Err: err}
		if detachErr := m.Detach(context.WithoutCancel(ctx), h); detachErr != nil {
			m.logger.Warn("disconnect after failed attach", "device", h.Device, "error", detachErr)
		}
		return Handle{}, attachErr
	}
	m.logger.Info("image attached", "device", h.Device, "partition", h.Partition)
	return h, nil
}

func (m *Manager) Detach(ctx context.Context, h Handle) error {
	device := h.Device
	if device == "" {
		device = m.device
	}
	if err := m.runner.Run(ctx, m.binary, "--disconnect", device); err != nil {
		return &AttachmentError{Op: "disconnect", Device: device, Image: h.Image, Err: err}
	}
	m.logger.Debug("device disconnected", "device", device)
	return nil
}
