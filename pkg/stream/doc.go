// Package stream turns raw RTT text bytes into clean log lines and
// structured records.
//
// A Processor reassembles lines across reads, strips terminal escapes and
// control bytes, classifies each line (plain, DATA key=value, STATE) and
// writes it to three sinks: a cleaned text log, a JSON-lines record stream
// and a CSV table of data lines. The sinks are flushed together so a
// reader never sees one sink ahead of the others by more than one flush
// window.
package stream
