package config

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"github.com/colorfulnotion/fpinst/target"
)

type ShadowKind uint8

const (
	ShadowInit ShadowKind = iota
	ShadowReport
	ShadowNoReport
)

var shadowKinds = map[string]ShadowKind{
	"init":     ShadowInit,
	"report":   ShadowReport,
	"noreport": ShadowNoReport,
}

func (k ShadowKind) String() string {
	switch k {
	case ShadowInit:
		return "init"
	case ShadowReport:
		return "report"
	case ShadowNoReport:
		return "noreport"
	}
	return fmt.Sprintf("ShadowKind(%d)", uint8(k))
}

// ShadowEntry declares a shadow-value initialization or report for a named
// variable or hex address. Indirect entries name a pointer to the data.
type ShadowEntry struct {
	Kind     ShadowKind
	Name     string
	ISize    int
	Indirect bool
	Values   []string
	Size     [2]uint64
}

func parseShadow(kind, key, value string) (*ShadowEntry, error) {
	isize := 0
	if dash := strings.IndexByte(kind, '-'); dash >= 0 {
		n, err := strconv.Atoi(kind[dash+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: isize %q", fperrors.ErrFMalformedLine, kind[dash+1:])
		}
		kind, isize = kind[:dash], n
	}
	k, ok := shadowKinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entry type %q", fperrors.ErrFMalformedLine, kind)
	}
	e := &ShadowEntry{Kind: k, Name: key, ISize: isize}
	if strings.HasPrefix(e.Name, "*") {
		e.Indirect = true
		e.Name = e.Name[1:]
	}
	if e.Name == "" {
		return nil, fmt.Errorf("%w: missing name", fperrors.ErrFMalformedLine)
	}

	switch k {
	case ShadowInit:
		e.Values = strings.Fields(value)
		e.Size = [2]uint64{uint64(len(e.Values)), 1}
	case ShadowReport:
		f := strings.Fields(value)
		if len(f) > 0 {
			e.Size[0] = shadowSize(key, f[0], 0)
			if e.Size[0] > 0 {
				e.Size[1] = 1
			}
		}
		if len(f) > 1 {
			e.Size[1] = shadowSize(key, f[1], e.Size[1])
		}
	}
	return e, nil
}

// shadowSize parses one dimension of a report size, keeping def when the
// field is not a decimal count.
func shadowSize(name, field string, def uint64) uint64 {
	n, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		log.Warn(log.Config, "malformed shadow size, using default", "name", name, "value", field, "default", def)
		return def
	}
	return n
}

func (e *ShadowEntry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.ISize != 0 {
		fmt.Fprintf(&sb, "-%d", e.ISize)
	}
	sb.WriteByte(':')
	if e.Indirect {
		sb.WriteByte('*')
	}
	sb.WriteString(e.Name)
	switch e.Kind {
	case ShadowInit:
		sb.WriteString("=" + strings.Join(e.Values, " "))
	case ShadowReport:
		fmt.Fprintf(&sb, "=%d %d", e.Size[0], e.Size[1])
	}
	return sb.String()
}

// Address resolves a hex-named entry, following one pointer for indirect
// entries. Symbolic names resolve to 0 since no symbol table is available.
func (e *ShadowEntry) Address(mem target.Memory) (uint64, error) {
	addr, err := ParseAddress(e.Name)
	if err != nil || addr == 0 || !e.Indirect {
		return addr, nil
	}
	var buf [8]byte
	if err := mem.Read(addr, buf[:]); err != nil {
		return 0, fmt.Errorf("indirect shadow entry %s: %w", e.Name, err)
	}
	if p := binary.LittleEndian.Uint64(buf[:]); p != 0 {
		addr = p
	}
	return addr, nil
}
