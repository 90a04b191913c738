package cmsisdap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bft-labs/rttbridge/pkg/transport"
)

const powerUpTimeout = time.Second

// dap drives the debug port through a link.
type dap struct {
	link       link
	packetSize int
	selected   uint32
}

func newDAP(l link) *dap {
	return &dap{link: l, packetSize: l.PacketSize(), selected: ^uint32(0)}
}

func (d *dap) exchange(cmd []byte) ([]byte, error) {
	return d.link.Exchange(cmd)
}

// attach brings up SWD and returns the debug port ID register.
func (d *dap) attach(ctx context.Context, speedKHz int) (uint32, error) {
	if resp, err := d.exchange(encodeInfo(infoPacketSize)); err == nil {
		if n, err := decodePacketSize(resp); err == nil && n > 0 && n < d.packetSize {
			d.packetSize = n
		}
	}

	resp, err := d.exchange(encodeConnect())
	if err != nil {
		return 0, err
	}
	if err := decodeConnect(resp); err != nil {
		return 0, err
	}

	if speedKHz <= 0 {
		speedKHz = 4000
	}
	if err := d.command(cmdSWJClock, encodeClock(uint32(speedKHz)*1000)); err != nil {
		return 0, err
	}
	if err := d.command(cmdTransferConfigure, encodeTransferConfigure(0, 64, 0)); err != nil {
		return 0, err
	}
	bits, seq := switchSequence()
	if err := d.command(cmdSWJSequence, encodeSequence(bits, seq)); err != nil {
		return 0, err
	}

	vals, err := d.transfer([]request{dpRead(dpIDR)})
	if err != nil {
		return 0, fmt.Errorf("read DPIDR: %w", err)
	}
	idr := vals[0]

	if _, err := d.transfer([]request{dpWrite(dpAbort, abortClearAll)}); err != nil {
		return idr, err
	}
	if err := d.powerUp(ctx); err != nil {
		return idr, err
	}
	if err := d.selectAP(0); err != nil {
		return idr, err
	}
	if _, err := d.transfer([]request{apWrite(apCSW, cswWord)}); err != nil {
		return idr, fmt.Errorf("configure MEM-AP: %w", err)
	}
	return idr, nil
}

func (d *dap) powerUp(ctx context.Context) error {
	if _, err := d.transfer([]request{dpWrite(dpCtrlStat, ctrlPowerUpReq)}); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, powerUpTimeout)
	defer cancel()

	b := transport.NewBackoff(time.Millisecond, 50*time.Millisecond)
	for {
		vals, err := d.transfer([]request{dpRead(dpCtrlStat)})
		if err != nil {
			return err
		}
		if vals[0]&ctrlPowerUpAck == ctrlPowerUpAck {
			return nil
		}
		if err := b.Sleep(ctx); err != nil {
			return fmt.Errorf("debug power-up: CTRL/STAT 0x%08x: %w", vals[0], transport.ErrTimeout)
		}
	}
}

func (d *dap) selectAP(apsel uint32) error {
	v := apsel << 24
	if d.selected == v {
		return nil
	}
	if _, err := d.transfer([]request{dpWrite(dpSelect, v)}); err != nil {
		return err
	}
	d.selected = v
	return nil
}

func (d *dap) detach() error {
	if d.link == nil {
		return nil
	}
	_, err := d.exchange(encodeDisconnect())
	return err
}

// command sends a packet answered by [cmd, status].
func (d *dap) command(id byte, cmd []byte) error {
	resp, err := d.exchange(cmd)
	if err != nil {
		return err
	}
	return checkStatus(id, resp)
}

func (d *dap) transfer(reqs []request) ([]uint32, error) {
	resp, err := d.exchange(encodeTransfer(reqs))
	if err != nil {
		return nil, err
	}
	vals, err := decodeTransfer(reqs, resp)
	var te *transferError
	if errors.As(err, &te) && te.ack == ackFault {
		// Sticky error flags block every later transfer until cleared.
		_, _ = d.exchange(encodeTransfer([]request{dpWrite(dpAbort, abortClearAll)}))
	}
	return vals, err
}

// maxReads is how many DRW reads fit in one packet after a TAR write.
func (d *dap) maxReads() int {
	byCmd := d.packetSize - 3 - 5
	byResp := (d.packetSize - 3) / 4
	return max(1, min(byCmd, byResp))
}

// maxWrites is how many DRW writes fit in one packet after a TAR write.
func (d *dap) maxWrites() int {
	return max(1, (d.packetSize-3-5)/5)
}

// readWords reads n aligned words starting at addr.
func (d *dap) readWords(addr uint32, n int) ([]uint32, error) {
	out := make([]uint32, 0, n)
	for n > 0 {
		k := min(n, d.maxReads(), pageWords(addr))
		reqs := make([]request, 0, k+1)
		reqs = append(reqs, apWrite(apTAR, addr))
		for i := 0; i < k; i++ {
			reqs = append(reqs, apRead(apDRW))
		}
		vals, err := d.transfer(reqs)
		if err != nil {
			return nil, fmt.Errorf("read 0x%08x: %w", addr, err)
		}
		out = append(out, vals...)
		addr += uint32(k * 4)
		n -= k
	}
	return out, nil
}

// writeWords writes aligned words starting at addr.
func (d *dap) writeWords(addr uint32, words []uint32) error {
	for len(words) > 0 {
		k := min(len(words), d.maxWrites(), pageWords(addr))
		reqs := make([]request, 0, k+1)
		reqs = append(reqs, apWrite(apTAR, addr))
		for _, w := range words[:k] {
			reqs = append(reqs, apWrite(apDRW, w))
		}
		if _, err := d.transfer(reqs); err != nil {
			return fmt.Errorf("write 0x%08x: %w", addr, err)
		}
		addr += uint32(k * 4)
		words = words[k:]
	}
	return nil
}

func pageWords(addr uint32) int {
	return int(tarPage-addr%tarPage) / 4
}
