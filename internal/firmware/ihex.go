// internal/firmware/ihex.go
package firmware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Record is one data record of an Intel HEX image, already relocated by
// the segment and linear base records preceding it
type Record struct {
	Address uint32
	Data    []byte
}

// Intel HEX record types
const (
	recordData         = 0x00
	recordEOF          = 0x01
	recordExtSegment   = 0x02
	recordStartSegment = 0x03
	recordExtLinear    = 0x04
	recordStartLinear  = 0x05
)

// ParseHex decodes an Intel HEX image into its data records. Every record
// is checksum verified; the image must end with an end-of-file record.
func ParseHex(r io.Reader) ([]Record, error) {
	var records []Record
	var base uint32
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !strings.HasPrefix(text, ":") {
			return nil, fmt.Errorf("line %d: missing record mark", line)
		}
		raw, err := hex.DecodeString(text[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(raw) < 5 {
			return nil, fmt.Errorf("line %d: record too short", line)
		}
		length := int(raw[0])
		if len(raw) != length+5 {
			return nil, fmt.Errorf("line %d: length field %d does not match record size", line, length)
		}
		var sum byte
		for _, b := range raw {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("line %d: checksum mismatch", line)
		}

		addr := uint32(raw[1])<<8 | uint32(raw[2])
		data := raw[4 : 4+length]
		switch raw[3] {
		case recordData:
			records = append(records, Record{
				Address: base + addr,
				Data:    append([]byte(nil), data...),
			})
		case recordEOF:
			return records, nil
		case recordExtSegment:
			if length != 2 {
				return nil, fmt.Errorf("line %d: malformed segment address record", line)
			}
			base = (uint32(data[0])<<8 | uint32(data[1])) << 4
		case recordExtLinear:
			if length != 2 {
				return nil, fmt.Errorf("line %d: malformed linear address record", line)
			}
			base = (uint32(data[0])<<8 | uint32(data[1])) << 16
		case recordStartSegment, recordStartLinear:
			// entry points do not matter for a RAM upload
		default:
			return nil, fmt.Errorf("line %d: unsupported record type %#02x", line, raw[3])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("image ends without an end-of-file record")
}

// mergeRecords folds adjacent records into upload blocks of at most max
// bytes
func mergeRecords(records []Record, max int) []Record {
	var blocks []Record
	for _, r := range records {
		if n := len(blocks); n > 0 {
			last := &blocks[n-1]
			if last.Address+uint32(len(last.Data)) == r.Address && len(last.Data)+len(r.Data) <= max {
				last.Data = append(last.Data, r.Data...)
				continue
			}
		}
		blocks = append(blocks, Record{
			Address: r.Address,
			Data:    append([]byte(nil), r.Data...),
		})
	}
	return blocks
}
