package tftpserver

import (
	"fmt"
	"strings"
)

// Mode selects which requests a server accepts. It is fixed at construction.
type Mode int

const (
	ReadOnly Mode = iota + 1
	WriteOnly
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case WriteOnly:
		return "writeonly"
	case ReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names used in config files and flags.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "readonly", "read-only", "ro":
		return ReadOnly, nil
	case "writeonly", "write-only", "wo":
		return WriteOnly, nil
	case "readwrite", "read-write", "rw", "":
		return ReadWrite, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfiguration, s)
	}
}

func (m Mode) allowsRead() bool  { return m == ReadOnly || m == ReadWrite }
func (m Mode) allowsWrite() bool { return m == WriteOnly || m == ReadWrite }

func (m Mode) valid() bool { return m >= ReadOnly && m <= ReadWrite }
