package stream

// DefaultMaxLineBytes forces a line break on runaway output.
const DefaultMaxLineBytes = 1024

// LineBuffer reassembles lines from arbitrary read boundaries. LF, CRLF
// and lone CR all terminate a line; a CRLF split across two reads still
// counts once.
type LineBuffer struct {
	max       int
	buf       []byte
	pendingCR bool
}

// NewLineBuffer returns a buffer that breaks lines longer than max bytes.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &LineBuffer{max: max}
}

// Write consumes p and returns the lines it completed, without
// terminators.
func (b *LineBuffer) Write(p []byte) []string {
	var lines []string
	for _, c := range p {
		if b.pendingCR {
			b.pendingCR = false
			if c == '\n' {
				continue
			}
		}
		switch c {
		case '\r':
			b.pendingCR = true
			lines = append(lines, b.take())
		case '\n':
			lines = append(lines, b.take())
		default:
			b.buf = append(b.buf, c)
			if len(b.buf) >= b.max {
				lines = append(lines, b.take())
			}
		}
	}
	return lines
}

// Flush returns the buffered partial line, if any.
func (b *LineBuffer) Flush() (string, bool) {
	b.pendingCR = false
	if len(b.buf) == 0 {
		return "", false
	}
	return b.take(), true
}

// Pending is the number of bytes held for an incomplete line.
func (b *LineBuffer) Pending() int { return len(b.buf) }

// Reset drops any partial line.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.pendingCR = false
}

func (b *LineBuffer) take() string {
	s := string(b.buf)
	b.buf = b.buf[:0]
	return s
}
