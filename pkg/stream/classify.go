package stream

import (
	"regexp"
	"strings"
)

// Format is a firmware logging convention.
type Format int

const (
	FormatUnknown Format = iota
	FormatZephyr
	FormatESPIDF
	FormatNRFSDK
	FormatGeneric
)

func (f Format) String() string {
	switch f {
	case FormatZephyr:
		return "zephyr"
	case FormatESPIDF:
		return "esp-idf"
	case FormatNRFSDK:
		return "nrf-sdk"
	case FormatGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// detectLines is how many lines format detection looks at before settling
// on FormatGeneric.
const detectLines = 10

var (
	deviceTimeRE = regexp.MustCompile(`\[(\d+:\d+:\d+[.,]\d+)`)
	dataRE       = regexp.MustCompile(`DATA:\s*(.*)`)
	stateRE      = regexp.MustCompile(`STATE:\s*(\S+)`)
	kvRE         = regexp.MustCompile(`(\w+)=(\S+)`)
	bannerRE     = regexp.MustCompile(`^(###RTT Client:|SEGGER J-Link)`)

	zephyrRE    = regexp.MustCompile(`^\[[\d:.,]+\]\s+<(\w+)>\s+(?:(\w+):\s*)?(.*)`)
	espIDFRE    = regexp.MustCompile(`^([EWIDV])\s+\((\d+)\)\s+(\w+):\s*(.*)`)
	nrfSDKRE    = regexp.MustCompile(`^<(\w+)>\s+(\w+):\s*(.*)`)
	espIDFLevel = map[string]string{"E": "err", "W": "wrn", "I": "inf", "D": "dbg", "V": "dbg"}
	nrfSDKLevel = map[string]string{"info": "inf", "warning": "wrn", "error": "err", "debug": "dbg"}
)

// bootPatterns mark a target reset when they appear anywhere in a line.
var bootPatterns = []string{
	"*** Booting Zephyr",
	"*** Booting nRF Connect SDK",
	"Booting Zephyr OS",
	"I: Starting bootloader",
	"rst:0x",
	"I (0) boot:",
}

func isBoot(line string) bool {
	for _, p := range bootPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

func detectFormat(line string) Format {
	switch {
	case zephyrRE.MatchString(line):
		return FormatZephyr
	case espIDFRE.MatchString(line):
		return FormatESPIDF
	case nrfSDKRE.MatchString(line):
		return FormatNRFSDK
	default:
		return FormatGeneric
	}
}

// classifier assigns kinds and log fields to cleaned lines.
type classifier struct {
	statePattern *regexp.Regexp

	format   Format
	detected int
}

func (c *classifier) reset() {
	c.format = FormatUnknown
	c.detected = 0
}

func (c *classifier) observe(line string) {
	if c.format != FormatUnknown || c.detected >= detectLines {
		return
	}
	if f := detectFormat(line); f != FormatGeneric {
		c.format = f
	}
	c.detected++
	if c.detected >= detectLines && c.format == FormatUnknown {
		c.format = FormatGeneric
	}
}

// classify fills rec from line. State wins over data when a line carries
// both tags.
func (c *classifier) classify(line string, rec *Record) {
	rec.Line = line
	if m := deviceTimeRE.FindStringSubmatch(line); m != nil {
		rec.DeviceTime = m[1]
	}

	if m := stateRE.FindStringSubmatch(line); m != nil {
		rec.Kind, rec.State = KindState, m[1]
		return
	}
	if c.statePattern != nil {
		if m := c.statePattern.FindStringSubmatch(line); m != nil {
			rec.Kind, rec.State = KindState, m[0]
			if len(m) > 1 {
				rec.State = m[1]
			}
			return
		}
	}
	if m := dataRE.FindStringSubmatch(line); m != nil {
		var fields []Value
		seen := map[string]bool{}
		for _, kv := range kvRE.FindAllStringSubmatch(m[1], -1) {
			if seen[kv[1]] {
				continue
			}
			seen[kv[1]] = true
			fields = append(fields, Value{Key: kv[1], Raw: kv[2]})
		}
		if len(fields) > 0 {
			rec.Kind = KindData
			rec.setFields(fields)
			return
		}
	}

	rec.Kind = KindPlain
	c.parseLog(line, rec)
}

func (c *classifier) parseLog(line string, rec *Record) {
	rec.Message = line
	switch c.format {
	case FormatZephyr:
		if m := zephyrRE.FindStringSubmatch(line); m != nil {
			rec.Level, rec.Module, rec.Message = m[1], m[2], m[3]
		}
	case FormatESPIDF:
		if m := espIDFRE.FindStringSubmatch(line); m != nil {
			rec.Level, rec.DeviceTime, rec.Module, rec.Message = espIDFLevel[m[1]], m[2], m[3], m[4]
		}
	case FormatNRFSDK:
		if m := nrfSDKRE.FindStringSubmatch(line); m != nil {
			level := m[1]
			if l, ok := nrfSDKLevel[level]; ok {
				level = l
			}
			rec.Level, rec.Module, rec.Message = level, m[2], m[3]
		}
	}
}
