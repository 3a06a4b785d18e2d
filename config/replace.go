package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/xlab/treeprint"
)

// ReplaceFlag starts a replace-entry line.
const ReplaceFlag = '^'

type ReplaceType uint8

const (
	ReplaceApp ReplaceType = iota
	ReplaceModule
	ReplaceFunc
	ReplaceBlock
	ReplaceInsn
	numReplaceTypes
)

var replaceTypeNames = [numReplaceTypes]string{"APPLICATION", "MODULE", "FUNC", "BBLK", "INSN"}

func (t ReplaceType) String() string {
	if t < numReplaceTypes {
		return replaceTypeNames[t]
	}
	return fmt.Sprintf("ReplaceType(%d)", uint8(t))
}

// Tag is the single-character behavior selector carried by a replace entry.
type Tag byte

const (
	TagNone      Tag = ' '
	TagIgnore    Tag = 'i'
	TagNull      Tag = 'n'
	TagSingle    Tag = 's'
	TagDouble    Tag = 'd'
	TagCandidate Tag = 'c'
	TagRPrec     Tag = 'r'
	TagTRange    Tag = 't'
)

func parseTag(b byte) Tag {
	switch t := Tag(b); t {
	case TagIgnore, TagNull, TagSingle, TagDouble, TagCandidate, TagRPrec, TagTRange:
		return t
	}
	return TagNone
}

func (t Tag) String() string {
	switch t {
	case TagIgnore:
		return "ignore"
	case TagNull:
		return "null"
	case TagSingle:
		return "single"
	case TagDouble:
		return "double"
	case TagCandidate:
		return "candidate"
	case TagRPrec:
		return "rprec"
	case TagTRange:
		return "trange"
	}
	return "none"
}

// ReplaceEntry is one node of the application/module/function/block/instruction tree.
type ReplaceEntry struct {
	Type     ReplaceType
	Tag      Tag
	Index    int
	Address  uint64
	Name     string
	Parent   *ReplaceEntry
	Children []*ReplaceEntry
}

// EffectiveTag is the entry's own tag, or the nearest ancestor's when unset.
func (e *ReplaceEntry) EffectiveTag() Tag {
	for n := e; n != nil; n = n.Parent {
		if n.Tag != TagNone {
			return n.Tag
		}
	}
	return TagNone
}

func (e *ReplaceEntry) String() string {
	var sb strings.Builder
	sb.WriteByte(ReplaceFlag)
	sb.WriteByte(byte(e.Tag))
	sb.WriteByte(' ')
	sb.WriteString(strings.Repeat("  ", int(e.Type)))
	fmt.Fprintf(&sb, "%s #%d: %#x", e.Type, e.Index, e.Address)
	if e.Name != "" {
		fmt.Fprintf(&sb, " %q", e.Name)
	}
	return sb.String()
}

func (c *Config) addReplaceLine(line string) error {
	e := &ReplaceEntry{Tag: TagNone}
	if len(line) >= 2 {
		e.Tag = parseTag(line[1])
	}
	head := line
	if q := strings.IndexByte(line, '"'); q >= 0 {
		head = line[:q]
		end := strings.IndexByte(line[q+1:], '"')
		if end < 0 {
			return fmt.Errorf("%w: unterminated name", fperrors.ErrFMalformedLine)
		}
		e.Name = line[q+1 : q+1+end]
	}
	if len(head) < 2 {
		return fmt.Errorf("%w: empty replace entry", fperrors.ErrFMalformedLine)
	}

	typed := false
	for _, f := range strings.Fields(head[2:]) {
		switch {
		case strings.HasPrefix(f, "#"):
			n, err := strconv.Atoi(strings.TrimSuffix(f[1:], ":"))
			if err != nil {
				return fmt.Errorf("%w: index %q", fperrors.ErrFMalformedLine, f)
			}
			e.Index = n
		case strings.HasPrefix(f, "0x"):
			addr, err := ParseAddress(f)
			if err != nil {
				return err
			}
			e.Address = addr
		case !typed:
			t, ok := replaceTypeByName(f)
			if !ok {
				return fmt.Errorf("%w: entry type %q", fperrors.ErrFMalformedLine, f)
			}
			e.Type, typed = t, true
		}
	}
	if !typed {
		return fmt.Errorf("%w: missing entry type", fperrors.ErrFMalformedLine)
	}
	c.AddReplaceEntry(e)
	return nil
}

func replaceTypeByName(s string) (ReplaceType, bool) {
	for i, n := range replaceTypeNames {
		if n == s {
			return ReplaceType(i), true
		}
	}
	return 0, false
}

// AddReplaceEntry appends e under the innermost open entry of a higher level.
func (c *Config) AddReplaceEntry(e *ReplaceEntry) {
	if e.Parent == nil {
		for l := int(e.Type) - 1; l >= 0; l-- {
			if p := c.open[l]; p != nil {
				e.Parent = p
				break
			}
		}
	}
	if e.Parent != nil {
		e.Parent.Children = append(e.Parent.Children, e)
	}
	c.open[e.Type] = e
	for l := e.Type + 1; l < numReplaceTypes; l++ {
		c.open[l] = nil
	}
	c.replace = append(c.replace, e)
	if e.Type == ReplaceInsn {
		c.insns[e.Address] = e
	}
}

// InstructionEntry returns the instruction-level entry at addr.
func (c *Config) InstructionEntry(addr uint64) (*ReplaceEntry, bool) {
	e, ok := c.insns[addr]
	return e, ok
}

// ReplaceTag is the effective tag of the instruction entry at addr.
func (c *Config) ReplaceTag(addr uint64) Tag {
	if e, ok := c.insns[addr]; ok {
		return e.EffectiveTag()
	}
	return TagNone
}

// Tree renders the replace entries as an indented tree.
func (c *Config) Tree() string {
	tree := treeprint.NewWithRoot("replace entries")
	for _, e := range c.replace {
		if e.Parent == nil {
			addTreeNode(tree, e)
		}
	}
	return tree.String()
}

func addTreeNode(t treeprint.Tree, e *ReplaceEntry) {
	label := fmt.Sprintf("%s #%d %#x", e.Type, e.Index, e.Address)
	if e.Name != "" {
		label += fmt.Sprintf(" %q", e.Name)
	}
	if e.Tag != TagNone {
		label += " [" + e.Tag.String() + "]"
	}
	if len(e.Children) == 0 {
		t.AddNode(label)
		return
	}
	branch := t.AddBranch(label)
	for _, child := range e.Children {
		addTreeNode(branch, child)
	}
}
