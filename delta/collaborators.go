package delta

import (
	"encoding/json"
	"fmt"
)

// PageAddress is a physical flash page address
type PageAddress uint64

// MapEntry is the mapping table's answer for one logical address
type MapEntry struct {
	LBA uint64
	PPA PageAddress // Current physical location of the base page
}

// Mapper resolves logical addresses against the global mapping table.
// ReadMapping must not block.
type Mapper interface {
	ReadMapping(lba uint64) (MapEntry, error)
}

// LinePurpose tags a provisioned line with what it will store
type LinePurpose int

const (
	PurposeUser LinePurpose = iota
	PurposeGC
	PurposeMap
	PurposeDelta
)

func (p LinePurpose) String() string {
	switch p {
	case PurposeUser:
		return "user"
	case PurposeGC:
		return "gc"
	case PurposeMap:
		return "map"
	case PurposeDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// ParseLinePurpose parses a string into LinePurpose
func ParseLinePurpose(s string) (LinePurpose, error) {
	switch s {
	case "user":
		return PurposeUser, nil
	case "gc":
		return PurposeGC, nil
	case "map":
		return PurposeMap, nil
	case "delta":
		return PurposeDelta, nil
	default:
		return PurposeUser, fmt.Errorf("invalid line purpose: %s (must be 'user', 'gc', 'map' or 'delta')", s)
	}
}

// MarshalJSON implements json.Marshaler for LinePurpose
func (p LinePurpose) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler for LinePurpose
func (p *LinePurpose) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLinePurpose(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Line is one provisioned flash line
type Line struct {
	ID        uint32      `json:"id"`
	FirstPage PageAddress `json:"firstPage"`
	Pages     int         `json:"pages"` // Programmable pages in the line
}

// Provision is the provisioning module's answer to AllocateLine
type Provision struct {
	Purpose LinePurpose `json:"purpose"`
	Lines   []Line      `json:"lines"`
}

// Provisioner hands out physical flash lines
type Provisioner interface {
	AllocateLine(count int, purpose LinePurpose) (*Provision, error)
}

// DeltaWrite is one delta program request issued to the device
type DeltaWrite struct {
	LBA         uint64
	BasePage    PageAddress
	Line        Line
	BlockOffset int      // First page inside Line receiving the payload
	Pages       [][]byte // Page buffers, borrowed for the duration of WriteDelta
}

// Device programs delta pages to flash. WriteDelta must not retain Pages after
// it returns; done is called at most once when the program finishes.
type Device interface {
	WriteDelta(w *DeltaWrite, done func(error)) error
}

// CompletionSink is the FTL callback invoked once per accepted IOCommand
type CompletionSink interface {
	OnIOComplete(cmd *IOCommand)
}

// SinkFunc adapts a function to CompletionSink
type SinkFunc func(cmd *IOCommand)

func (f SinkFunc) OnIOComplete(cmd *IOCommand) { f(cmd) }
