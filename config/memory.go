package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MemorySize is an amount of memory expressed as a number followed by a
// single unit letter, for example "100m" or "3.5G". The zero value means
// unset.
type MemorySize string

var memoryRE = regexp.MustCompile(`^(\d+(?:\.\d+)?)([kKmMgGtT])$`)

// ParseMemorySize validates and normalizes a memory amount.
func ParseMemorySize(s string) (MemorySize, error) {
	m := memoryRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("memory amount %q must be a number followed by a unit, for example 100m", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return "", fmt.Errorf("memory amount %q must be larger than zero", s)
	}
	return MemorySize(m[1] + strings.ToUpper(m[2])), nil
}

// MemorySizeGB builds a MemorySize from a GB amount, trimming to one decimal.
func MemorySizeGB(gb float64) MemorySize {
	s := strconv.FormatFloat(gb, 'f', 1, 64)
	s = strings.TrimSuffix(s, ".0")
	return MemorySize(s + "G")
}

func (m MemorySize) multiplier() float64 {
	switch strings.ToUpper(string(m[len(m)-1])) {
	case "K":
		return 1.0 / 1024 / 1024
	case "M":
		return 1.0 / 1024
	case "G":
		return 1
	case "T":
		return 1024
	}
	return 0
}

// AsGB returns the amount in gigabytes. The zero value reports 0.
func (m MemorySize) AsGB() float64 {
	if m == "" {
		return 0
	}
	value, err := strconv.ParseFloat(string(m[:len(m)-1]), 64)
	if err != nil {
		return 0
	}
	return value * m.multiplier()
}

// AsMB returns the amount in megabytes, rounded down to a whole number.
func (m MemorySize) AsMB() int {
	return int(m.AsGB() * 1024)
}

func (m MemorySize) String() string {
	return string(m)
}
