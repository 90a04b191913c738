package stream

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Standard sink file names inside a device run directory.
const (
	LogFile   = "rtt.log"
	JSONLFile = "rtt.jsonl"
	CSVFile   = "rtt.csv"
)

// DefaultMaxLogBytes rotates rtt.log past 5 MB.
const DefaultMaxLogBytes = 5_000_000

const logBackups = 3

// Paths returns the standard sink paths under dir.
func Paths(dir string) (logPath, jsonlPath, csvPath string) {
	return filepath.Join(dir, LogFile), filepath.Join(dir, JSONLFile), filepath.Join(dir, CSVFile)
}

type fileSink struct {
	path string
	f    *os.File
	w    *bufio.Writer
	size int64
}

func openSink(path string) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileSink{path: path, f: f, w: bufio.NewWriter(f), size: fi.Size()}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *fileSink) flush() error {
	return s.w.Flush()
}

func (s *fileSink) close() error {
	err := s.w.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// logSink writes cleaned lines and rotates rtt.log -> rtt.log.1 .. .3.
type logSink struct {
	*fileSink
	maxBytes int64
}

func (s *logSink) writeLine(line string) error {
	if s.maxBytes > 0 && s.size >= s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}
	_, err := io.WriteString(s, line+"\n")
	return err
}

func (s *logSink) rotate() error {
	if err := s.close(); err != nil {
		return err
	}
	for i := logBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, fmt.Sprintf("%s.%d", s.path, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(s.path, s.path+".1"); err != nil {
		return err
	}
	fs, err := openSink(s.path)
	if err != nil {
		return err
	}
	s.fileSink = fs
	return nil
}

type jsonlSink struct {
	*fileSink
	enc *json.Encoder
}

func newJSONLSink(fs *fileSink) *jsonlSink {
	enc := json.NewEncoder(fs)
	enc.SetEscapeHTML(false)
	return &jsonlSink{fileSink: fs, enc: enc}
}

func (s *jsonlSink) writeRecord(rec *Record) error {
	return s.enc.Encode(rec)
}

// csvSink writes one row per data record. Columns are frozen at the first
// data record (or taken from the header of an existing file); keys first
// seen later are reported back to the caller and left out of the row.
type csvSink struct {
	*fileSink
	cw      *csv.Writer
	columns []string
	index   map[string]int
	rows    uint64
}

func openCSVSink(path string) (*csvSink, error) {
	columns, err := readCSVHeader(path)
	if err != nil {
		return nil, err
	}
	fs, err := openSink(path)
	if err != nil {
		return nil, err
	}
	s := &csvSink{fileSink: fs, cw: csv.NewWriter(fs)}
	if len(columns) > 1 {
		s.setColumns(columns[1:])
	}
	return s, nil
}

func readCSVHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return header, err
}

func (s *csvSink) setColumns(keys []string) {
	s.columns = keys
	s.index = make(map[string]int, len(keys))
	for i, k := range keys {
		s.index[k] = i
	}
}

// writeRecord returns the keys of rec that have no column.
func (s *csvSink) writeRecord(rec *Record) ([]string, error) {
	fields := rec.Fields()
	if s.columns == nil {
		keys := make([]string, len(fields))
		for i, f := range fields {
			keys[i] = f.Key
		}
		s.setColumns(keys)
		if err := s.cw.Write(append([]string{"timestamp"}, keys...)); err != nil {
			return nil, err
		}
	}

	row := make([]string, len(s.columns)+1)
	row[0] = rec.DeviceTime
	if row[0] == "" {
		row[0] = strconv.FormatFloat(float64(rec.Time.UnixMilli())/1e3, 'f', 3, 64)
	}
	var late []string
	for _, f := range fields {
		i, ok := s.index[f.Key]
		if !ok {
			late = append(late, f.Key)
			continue
		}
		row[i+1] = f.Raw
	}
	if err := s.cw.Write(row); err != nil {
		return late, err
	}
	s.rows++
	return late, nil
}

func (s *csvSink) flush() error {
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		return err
	}
	return s.fileSink.flush()
}

func (s *csvSink) close() error {
	s.cw.Flush()
	err := s.cw.Error()
	if cerr := s.fileSink.close(); err == nil {
		err = cerr
	}
	return err
}
