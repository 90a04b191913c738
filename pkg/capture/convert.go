package capture

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
)

// ExportCSV writes one row per frame:
// timestamp,channel,payload_hex,payload_length. The timestamp is in
// seconds when the artifact has a timestamp unit, raw ticks otherwise.
func ExportCSV(r *Reader, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "channel", "payload_hex", "payload_length"}); err != nil {
		return 0, err
	}

	rows := 0
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, err
		}
		ts := strconv.FormatUint(uint64(f.Timestamp), 10)
		if sec, ok := r.Header.Seconds(f.Timestamp); ok {
			ts = strconv.FormatFloat(sec, 'f', 6, 64)
		}
		err = cw.Write([]string{
			ts,
			strconv.Itoa(int(f.Channel)),
			hex.EncodeToString(f.Payload),
			strconv.Itoa(len(f.Payload)),
		})
		if err != nil {
			return rows, err
		}
		rows++
	}
	cw.Flush()
	return rows, cw.Error()
}
