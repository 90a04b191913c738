package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/bft-labs/rttbridge/pkg/rtt"
)

// DemoIDCode is the DPIDR reported by demo boards (an ARM SW-DP v2).
const DemoIDCode = 0x2BA01477

// NewDemoBoard returns a board with a terminal channel and a binary data
// channel, ready for Demo.
func NewDemoBoard() *Board {
	b, err := NewBoard(DemoIDCode,
		[]rtt.BufferSpec{{Name: "Terminal", Size: 1024}, {Name: "Data", Size: 4096}},
		[]rtt.BufferSpec{{Name: "Terminal", Size: 64}},
	)
	if err != nil {
		// Fixed geometry always fits in RAMSize.
		panic(err)
	}
	return b
}

// Demo plays firmware on b until ctx is done: a boot banner, then log and
// DATA: lines on channel 0 and int16 sine samples on channel 1.
func Demo(ctx context.Context, b *Board, interval time.Duration) {
	_, _ = b.Emit(0, []byte("*** Booting Zephyr OS build v3.5.0 ***\r\n"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int
	samples := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		temp := 21.5 + math.Sin(float64(seq)/10)
		line := fmt.Sprintf("[00:00:%02d.%03d,000] <inf> app: tick %d\nDATA: seq=%d temp=%.2f\n",
			seq/1000%60, seq%1000, seq, seq, temp)
		if seq%50 == 0 {
			line += "STATE: heartbeat\n"
		}
		_, _ = b.Emit(0, []byte(line))

		for i := 0; i < len(samples)/2; i++ {
			v := int16(1000 * math.Sin(float64(seq*32+i)/8))
			binary.LittleEndian.PutUint16(samples[i*2:], uint16(v))
		}
		_, _ = b.Emit(1, samples)
	}
}
