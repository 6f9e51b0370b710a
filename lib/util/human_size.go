package util

import (
	"fmt"
	"strconv"
	"strings"
)

// HumanSize stores a byte count that round-trips through "1GB"-style text,
// used for container memory caps in pool and runner type definitions.
type HumanSize uint64

const (
	B  HumanSize = 1
	KB           = B << 10
	MB           = KB << 10
	GB           = MB << 10
	TB           = GB << 10
	PB           = TB << 10
	EB           = PB << 10

	maxUint64 uint64 = (1 << 64) - 1
)

// NewHumanSize parses a string like "512MB" into a HumanSize.
func NewHumanSize(input string) (HumanSize, error) {
	var hs HumanSize
	err := hs.UnmarshalText([]byte(input))
	return hs, err
}

// MarshalText renders the size using the largest exact unit.
func (hs HumanSize) MarshalText() ([]byte, error) {
	return []byte(hs.String()), nil
}

// UnmarshalText parses a number followed by an optional unit (B, KB, MB,
// GB, TB, PB, EB); no unit is treated as raw bytes.
func (hs *HumanSize) UnmarshalText(data []byte) error {
	input := strings.TrimSpace(string(data))
	length := len(input)
	if length == 0 {
		return fmt.Errorf("util: empty human size")
	}

	var mult HumanSize
	unit := input
	unitLen := length
	if length > 1 {
		unit = input[length-2:]
		unitLen = 2
	}
	switch unit {
	case "KB":
		mult = KB
	case "MB":
		mult = MB
	case "GB":
		mult = GB
	case "TB":
		mult = TB
	case "PB":
		mult = PB
	case "EB":
		mult = EB
	default:
		if unit[0] >= '0' && unit[0] <= '9' {
			if unitLen > 1 && unit[1] == 'B' {
				unitLen = 1
			} else {
				unitLen = 0
			}
			mult = B
		}
	}
	if mult == 0 {
		return fmt.Errorf("util: unable to parse human size unit: %s", input)
	}

	val, err := strconv.ParseUint(input[:length-unitLen], 10, 64)
	if err != nil {
		return fmt.Errorf("util: unable to parse human size value: %s", input)
	}
	if mult != B && val > maxUint64/uint64(mult) {
		return fmt.Errorf("util: human size value overflows uint64: %s", input)
	}

	*hs = HumanSize(val * uint64(mult))
	return nil
}

// Bytes returns the size as a raw byte count.
func (hs HumanSize) Bytes() uint64 {
	return uint64(hs)
}

func (hs HumanSize) String() string {
	switch {
	case hs == 0:
		return "0B"
	case hs%EB == 0:
		return fmt.Sprintf("%dEB", hs/EB)
	case hs%PB == 0:
		return fmt.Sprintf("%dPB", hs/PB)
	case hs%TB == 0:
		return fmt.Sprintf("%dTB", hs/TB)
	case hs%GB == 0:
		return fmt.Sprintf("%dGB", hs/GB)
	case hs%MB == 0:
		return fmt.Sprintf("%dMB", hs/MB)
	case hs%KB == 0:
		return fmt.Sprintf("%dKB", hs/KB)
	default:
		return fmt.Sprintf("%dB", hs)
	}
}
