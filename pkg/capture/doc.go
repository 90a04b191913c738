// Package capture writes and replays binary RTT capture artifacts.
//
// An artifact is a 64-byte header followed by frames of
// timestamp(u32) channel(u8) length(u16) payload, little-endian, with no
// footer. A frame cut short at the end of the file is the normal end of a
// capture that was still being written, not corruption.
//
// The Engine is the writer side used by the daemon loop. Reader and the
// Export functions are pure replays for offline conversion.
package capture
