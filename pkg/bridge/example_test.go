package bridge_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bft-labs/rttbridge/pkg/bridge"
	"github.com/bft-labs/rttbridge/pkg/lifecycle"
	"github.com/bft-labs/rttbridge/pkg/session"
	"github.com/bft-labs/rttbridge/pkg/transport"
	"github.com/bft-labs/rttbridge/pkg/transport/sim"
)

// ExampleNew demonstrates how to embed a bridge in your application.
func ExampleNew() {
	runDir, _ := os.MkdirTemp("", "rttbridge-example")
	defer os.RemoveAll(runDir)

	// A simulated board stands in for real hardware.
	board := sim.NewDemoBoard()
	dev := transport.Device{ID: "example", Backend: sim.Name}
	cfg := session.DefaultConfig(dev, runDir)
	cfg.PollInterval = time.Millisecond

	b, err := bridge.New(cfg, bridge.WithSimBoard(board))
	if err != nil {
		fmt.Printf("failed to create bridge: %v\n", err)
		return
	}
	if err := b.Start(context.Background()); err != nil {
		fmt.Printf("failed to start: %v\n", err)
		return
	}

	for b.State() != lifecycle.StateStreaming {
		time.Sleep(time.Millisecond)
	}
	board.Emit(0, []byte("STATE: ready\n"))
	for b.Status().Counters.Lines == 0 {
		time.Sleep(time.Millisecond)
	}

	_ = b.Stop()
	fmt.Println(b.State(), b.Status().Stream.States)

	// Output: Stopped 1
}

// Example_withEventHandler demonstrates how to observe state transitions.
func Example_withEventHandler() {
	handler := bridge.EventHandlerFunc(func(ev bridge.StateChangeEvent) {
		fmt.Printf("%s -> %s\n", ev.Previous, ev.Current)
	})

	dev := transport.Device{ID: "example", Backend: sim.Name}
	b, err := bridge.New(session.DefaultConfig(dev, os.TempDir()), bridge.WithEventHandler(handler))
	if err != nil {
		fmt.Printf("failed to create bridge: %v\n", err)
		return
	}

	_ = b // Start, Stop ...
}
