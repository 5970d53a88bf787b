// internal/firmware/ihex_test.go
package firmware

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseHex(t *testing.T) {
	image := strings.Join([]string{
		":04010000DEADBEEFC3",
		":020104000102F6",
		":00000001FF",
	}, "\n")

	records, err := ParseHex(strings.NewReader(image))
	if err != nil {
		t.Fatalf("ParseHex() = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("%d records, want 2", len(records))
	}
	if records[0].Address != 0x0100 || !bytes.Equal(records[0].Data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("record 0 = %#04x % 02x", records[0].Address, records[0].Data)
	}
	if records[1].Address != 0x0104 || !bytes.Equal(records[1].Data, []byte{0x01, 0x02}) {
		t.Errorf("record 1 = %#04x % 02x", records[1].Address, records[1].Data)
	}
}

func TestParseHexLinearBase(t *testing.T) {
	image := strings.Join([]string{
		":020000040001F9",
		":01000000AA55",
		":00000001FF",
	}, "\n")

	records, err := ParseHex(strings.NewReader(image))
	if err != nil {
		t.Fatalf("ParseHex() = %v", err)
	}
	if len(records) != 1 || records[0].Address != 0x10000 {
		t.Errorf("records = %+v, want one record at 0x10000", records)
	}
}

func TestParseHexSegmentBase(t *testing.T) {
	image := strings.Join([]string{
		":020000021000EC",
		":01000000AA55",
		":00000001FF",
	}, "\n")

	records, err := ParseHex(strings.NewReader(image))
	if err != nil {
		t.Fatalf("ParseHex() = %v", err)
	}
	if len(records) != 1 || records[0].Address != 0x10000 {
		t.Errorf("records = %+v, want one record at 0x10000", records)
	}
}

func TestParseHexErrors(t *testing.T) {
	tests := []struct {
		name  string
		image string
	}{
		{"checksum mismatch", ":04010000DEADBEEFC4\n:00000001FF"},
		{"missing record mark", "04010000DEADBEEFC3\n:00000001FF"},
		{"length mismatch", ":05010000DEADBEEFC2\n:00000001FF"},
		{"missing eof", ":04010000DEADBEEFC3"},
		{"odd hex digits", ":04010000DEADBEEFC\n:00000001FF"},
	}
	for _, tt := range tests {
		if _, err := ParseHex(strings.NewReader(tt.image)); err == nil {
			t.Errorf("%s: ParseHex() = nil, want error", tt.name)
		}
	}
}

func TestParseHexStopsAtEOF(t *testing.T) {
	image := strings.Join([]string{
		":01000000AA55",
		":00000001FF",
		"garbage after the end is never read",
	}, "\n")
	records, err := ParseHex(strings.NewReader(image))
	if err != nil {
		t.Fatalf("ParseHex() = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("%d records, want 1", len(records))
	}
}

func TestMergeRecords(t *testing.T) {
	records := []Record{
		{Address: 0x0100, Data: []byte{1, 2, 3, 4}},
		{Address: 0x0104, Data: []byte{5, 6}},
		{Address: 0x0200, Data: []byte{7}},
		{Address: 0x0201, Data: []byte{8}},
	}
	blocks := mergeRecords(records, 1024)
	if len(blocks) != 2 {
		t.Fatalf("%d blocks, want 2", len(blocks))
	}
	if blocks[0].Address != 0x0100 || !bytes.Equal(blocks[0].Data, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("block 0 = %#04x % 02x", blocks[0].Address, blocks[0].Data)
	}
	if blocks[1].Address != 0x0200 || !bytes.Equal(blocks[1].Data, []byte{7, 8}) {
		t.Errorf("block 1 = %#04x % 02x", blocks[1].Address, blocks[1].Data)
	}
}

func TestMergeRecordsRespectsLimit(t *testing.T) {
	records := []Record{
		{Address: 0x0100, Data: []byte{1, 2, 3}},
		{Address: 0x0103, Data: []byte{4, 5, 6}},
	}
	blocks := mergeRecords(records, 4)
	if len(blocks) != 2 {
		t.Errorf("%d blocks with a 4 byte limit, want 2", len(blocks))
	}
}
