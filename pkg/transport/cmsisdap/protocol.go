package cmsisdap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DAP command IDs.
const (
	cmdInfo              = 0x00
	cmdConnect           = 0x02
	cmdDisconnect        = 0x03
	cmdTransferConfigure = 0x04
	cmdTransfer          = 0x05
	cmdSWJClock          = 0x11
	cmdSWJSequence       = 0x12
)

const (
	infoPacketSize = 0xFF

	portSWD   = 0x01
	statusOK  = 0x00
	statusErr = 0xFF
)

// Transfer acknowledge values.
const (
	ackOK    = 0x01
	ackWait  = 0x02
	ackFault = 0x04
)

// Transfer request bits.
const (
	reqAP   = 1 << 0
	reqRead = 1 << 1
)

// Debug port and MEM-AP registers.
const (
	dpIDR      = 0x00 // read
	dpAbort    = 0x00 // write
	dpCtrlStat = 0x04
	dpSelect   = 0x08
	dpRDBuff   = 0x0C

	apCSW = 0x00
	apTAR = 0x04
	apDRW = 0x0C
)

const (
	ctrlPowerUpReq = 0x50000000
	ctrlPowerUpAck = 0xA0000000
	abortClearAll  = 0x1E

	// 32-bit access, single auto-increment, privileged master.
	cswWord = 0x23000012

	// TAR auto-increment is only guaranteed within a 1KiB page.
	tarPage = 0x400
)

var (
	errShortResponse = errors.New("cmsisdap: short response")
	errWrongCommand  = errors.New("cmsisdap: response to wrong command")
	errCommandFailed = errors.New("cmsisdap: command failed")
)

type request struct {
	port  byte // reqAP or 0
	read  bool
	addr  byte
	value uint32
}

func (r request) header() byte {
	h := r.port | (r.addr & 0x0C)
	if r.read {
		h |= reqRead
	}
	return h
}

func dpRead(addr byte) request            { return request{read: true, addr: addr} }
func dpWrite(addr byte, v uint32) request { return request{addr: addr, value: v} }
func apRead(addr byte) request            { return request{port: reqAP, read: true, addr: addr} }
func apWrite(addr byte, v uint32) request { return request{port: reqAP, addr: addr, value: v} }

// encodeTransfer builds a DAP_Transfer packet for DAP index 0.
func encodeTransfer(reqs []request) []byte {
	cmd := make([]byte, 3, 3+5*len(reqs))
	cmd[0] = cmdTransfer
	cmd[2] = byte(len(reqs))
	for _, r := range reqs {
		cmd = append(cmd, r.header())
		if !r.read {
			cmd = binary.LittleEndian.AppendUint32(cmd, r.value)
		}
	}
	return cmd
}

// transferError carries the acknowledge of the first failed request.
type transferError struct {
	done int
	ack  byte
}

func (e *transferError) Error() string {
	switch e.ack {
	case ackWait:
		return fmt.Sprintf("cmsisdap: transfer %d: WAIT", e.done)
	case ackFault:
		return fmt.Sprintf("cmsisdap: transfer %d: FAULT", e.done)
	default:
		return fmt.Sprintf("cmsisdap: transfer %d: no response (ack %d)", e.done, e.ack)
	}
}

// decodeTransfer returns the values of the read requests in order.
func decodeTransfer(reqs []request, resp []byte) ([]uint32, error) {
	if len(resp) < 3 {
		return nil, errShortResponse
	}
	if resp[0] != cmdTransfer {
		return nil, errWrongCommand
	}
	done, ack := int(resp[1]), resp[2]&0x07
	if done != len(reqs) || ack != ackOK {
		return nil, &transferError{done: done, ack: ack}
	}

	var values []uint32
	data := resp[3:]
	for _, r := range reqs {
		if !r.read {
			continue
		}
		if len(data) < 4 {
			return nil, errShortResponse
		}
		values = append(values, binary.LittleEndian.Uint32(data))
		data = data[4:]
	}
	return values, nil
}

func encodeConnect() []byte { return []byte{cmdConnect, portSWD} }

func decodeConnect(resp []byte) error {
	if err := checkHeader(cmdConnect, resp); err != nil {
		return err
	}
	if resp[1] != portSWD {
		return fmt.Errorf("%w: DAP_Connect returned port %d", errCommandFailed, resp[1])
	}
	return nil
}

func encodeDisconnect() []byte { return []byte{cmdDisconnect} }

func encodeClock(hz uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{cmdSWJClock}, hz)
}

func encodeTransferConfigure(idle byte, waitRetry, matchRetry uint16) []byte {
	cmd := []byte{cmdTransferConfigure, idle}
	cmd = binary.LittleEndian.AppendUint16(cmd, waitRetry)
	return binary.LittleEndian.AppendUint16(cmd, matchRetry)
}

// encodeSequence builds a DAP_SWJ_Sequence of bits, LSB first.
func encodeSequence(bits int, data []byte) []byte {
	cmd := []byte{cmdSWJSequence, byte(bits)} // 0 means 256
	return append(cmd, data...)
}

// switchSequence is line reset, JTAG-to-SWD, line reset, idle.
func switchSequence() (int, []byte) {
	seq := []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x9E, 0xE7,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x00,
	}
	return len(seq) * 8, seq
}

func encodeInfo(id byte) []byte { return []byte{cmdInfo, id} }

func decodePacketSize(resp []byte) (int, error) {
	if len(resp) < 4 || resp[0] != cmdInfo || resp[1] != 2 {
		return 0, errShortResponse
	}
	return int(binary.LittleEndian.Uint16(resp[2:])), nil
}

// checkStatus validates a [cmd, status] response.
func checkStatus(cmd byte, resp []byte) error {
	if err := checkHeader(cmd, resp); err != nil {
		return err
	}
	if resp[1] != statusOK {
		return fmt.Errorf("%w: command 0x%02X status 0x%02X", errCommandFailed, cmd, resp[1])
	}
	return nil
}

func checkHeader(cmd byte, resp []byte) error {
	if len(resp) < 2 {
		return errShortResponse
	}
	if resp[0] != cmd {
		return fmt.Errorf("%w: sent 0x%02X, got 0x%02X", errWrongCommand, cmd, resp[0])
	}
	return nil
}
