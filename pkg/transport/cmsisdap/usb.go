package cmsisdap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// link exchanges one command packet for one response packet.
type link interface {
	Exchange(cmd []byte) ([]byte, error)
	PacketSize() int
	Close() error
}

// KnownProbe is a VID:PID pair of a CMSIS-DAP v2 (bulk) probe.
type KnownProbe struct {
	VID  gousb.ID
	PID  gousb.ID
	Name string
}

// KnownProbes lists the bulk CMSIS-DAP probes this backend opens.
var KnownProbes = []KnownProbe{
	{0x0D28, 0x0204, "DAPLink"},
	{0x2E8A, 0x000C, "Raspberry Pi Debug Probe"},
	{0xC251, 0xF001, "Keil ULINKplus"},
	{0x1FC9, 0x0143, "NXP MCU-Link"},
}

const (
	defaultPacketSize = 64
	usbTimeout        = 500 * time.Millisecond
)

var (
	errNoProbe     = errors.New("cmsisdap: no CMSIS-DAP probe attached")
	errLinkTimeout = errors.New("cmsisdap: usb transfer timed out")
	errLinkGone    = errors.New("cmsisdap: usb device gone")
)

// ProbeInfo describes an attached probe.
type ProbeInfo struct {
	Name   string
	VID    uint16
	PID    uint16
	Serial string
	Bus    int
	Addr   int
}

// usbLink talks to a probe's vendor-class bulk interface.
type usbLink struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
}

func isKnown(desc *gousb.DeviceDesc) bool {
	for _, k := range KnownProbes {
		if desc.Vendor == k.VID && desc.Product == k.PID {
			return true
		}
	}
	return false
}

// Probes enumerates attached CMSIS-DAP probes.
func Probes() ([]ProbeInfo, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(isKnown)
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerate usb: %w", err)
	}

	probes := make([]ProbeInfo, 0, len(devs))
	for _, d := range devs {
		serial, _ := d.SerialNumber()
		probes = append(probes, ProbeInfo{
			Name:   probeName(d.Desc),
			VID:    uint16(d.Desc.Vendor),
			PID:    uint16(d.Desc.Product),
			Serial: serial,
			Bus:    d.Desc.Bus,
			Addr:   d.Desc.Address,
		})
	}
	return probes, nil
}

func probeName(desc *gousb.DeviceDesc) string {
	for _, k := range KnownProbes {
		if desc.Vendor == k.VID && desc.Product == k.PID {
			return k.Name
		}
	}
	return "CMSIS-DAP"
}

// openUSB opens the first known probe, or the one whose serial matches.
func openUSB(serial string) (link, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(isKnown)
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("enumerate usb: %w", err)
	}

	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			s, _ := d.SerialNumber()
			if serial == "" || s == serial {
				dev = d
				continue
			}
		}
		d.Close()
	}
	if dev == nil {
		ctx.Close()
		if serial != "" {
			return nil, fmt.Errorf("%w with serial %q", errNoProbe, serial)
		}
		return nil, errNoProbe
	}

	// Not supported on every platform.
	_ = dev.SetAutoDetach(true)

	l := &usbLink{ctx: ctx, dev: dev, packetSize: defaultPacketSize}
	if err := l.claim(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return l, nil
}

// claim finds the vendor-class interface with a bulk endpoint pair.
func (l *usbLink) claim() error {
	cfgNum, err := l.dev.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfgDesc, ok := l.dev.Desc.Configs[cfgNum]
	if !ok {
		return fmt.Errorf("usb config %d not found", cfgNum)
	}

	for _, ifDesc := range cfgDesc.Interfaces {
		if len(ifDesc.AltSettings) == 0 {
			continue
		}
		alt := ifDesc.AltSettings[0]
		if alt.Class != gousb.ClassVendorSpec {
			continue
		}
		var outNum, inNum, inSize int
		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk {
				continue
			}
			switch {
			case ep.Direction == gousb.EndpointDirectionOut && outNum == 0:
				outNum = ep.Number
			case ep.Direction == gousb.EndpointDirectionIn && inNum == 0:
				inNum, inSize = ep.Number, ep.MaxPacketSize
			}
		}
		if outNum == 0 || inNum == 0 {
			continue
		}

		cfg, err := l.dev.Config(cfgNum)
		if err != nil {
			return fmt.Errorf("usb config: %w", err)
		}
		intf, err := cfg.Interface(ifDesc.Number, 0)
		if err != nil {
			cfg.Close()
			return fmt.Errorf("claim interface %d: %w", ifDesc.Number, err)
		}
		done := func() {
			intf.Close()
			cfg.Close()
		}

		if l.epOut, err = intf.OutEndpoint(outNum); err != nil {
			done()
			return fmt.Errorf("open OUT endpoint: %w", err)
		}
		if l.epIn, err = intf.InEndpoint(inNum); err != nil {
			done()
			return fmt.Errorf("open IN endpoint: %w", err)
		}
		l.done = done
		if inSize > 0 {
			l.packetSize = inSize
		}
		return nil
	}
	return errors.New("cmsisdap: no vendor bulk interface (CMSIS-DAP v1 HID probes are not supported)")
}

func (l *usbLink) Exchange(cmd []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()

	if _, err := l.epOut.WriteContext(ctx, cmd); err != nil {
		return nil, usbError("write", ctx, err)
	}
	resp := make([]byte, l.packetSize)
	n, err := l.epIn.ReadContext(ctx, resp)
	if err != nil {
		return nil, usbError("read", ctx, err)
	}
	return resp[:n], nil
}

func usbError(op string, ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, gousb.TransferTimedOut) {
		return fmt.Errorf("usb %s: %w", op, errLinkTimeout)
	}
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice) {
		return fmt.Errorf("usb %s: %w", op, errLinkGone)
	}
	return fmt.Errorf("usb %s: %w", op, err)
}

func (l *usbLink) PacketSize() int { return l.packetSize }

func (l *usbLink) Close() error {
	if l.done != nil {
		l.done()
		l.done = nil
	}
	if l.dev != nil {
		l.dev.Close()
		l.dev = nil
	}
	if l.ctx != nil {
		l.ctx.Close()
		l.ctx = nil
	}
	return nil
}
