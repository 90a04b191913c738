// Package rtt implements the SEGGER RTT control block: locating it in target
// memory, and moving bytes through its up and down ring buffers.
//
// Host code works against any Memory (a probe's memory access port, or the
// emulated RAM used by the simulator):
//
//	addr, err := rtt.Find(mem, 0x20000000, 64<<10)
//	cb, err := rtt.Open(mem, addr)
//	n, err := cb.ReadUp(0, buf)
//
// Install and Target provide the firmware half for simulation and tests.
package rtt
