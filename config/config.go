// Package config reads and writes the instrumentation configuration: plain
// key=value settings, typed shadow-value entries, and the replace-entry tree
// that tags applications, modules, functions, blocks and instructions.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/colorfulnotion/fpinst/fperrors"
	"github.com/colorfulnotion/fpinst/log"
	"golang.org/x/exp/slices"
)

// Analysis switches and shared settings.
const (
	KeyCInst       = "c_inst"
	KeyDCancel     = "d_cancel"
	KeyDNan        = "d_nan"
	KeyTRange      = "t_range"
	KeyRPrec       = "r_prec"
	KeyDPrint      = "d_print"
	KeyUseLock     = "use_lock_prefix"
	KeyHeavyweight = "c_inst_heavyweight"
	KeyMinPriority = "min_priority"
	KeySampling    = "enable_sampling"
	KeyPrecision   = "r_prec_default_precision"
	KeyExampleTag  = "example_tag"

	KeyTRangeHeavyweight = "t_range_heavyweight"
	KeyCancelAddresses   = "dcancel_addresses"
	KeyNaNAddresses      = "dnan_addresses"
	KeyRangeAddresses    = "trange_addresses"
)

// Config is a parsed configuration. It is not safe for concurrent mutation;
// instrumentation is single-threaded.
type Config struct {
	settings map[string]string
	shadows  []*ShadowEntry
	replace  []*ReplaceEntry
	insns    map[uint64]*ReplaceEntry

	// innermost open entry per level, for parenting while parsing
	open [numReplaceTypes]*ReplaceEntry
}

func New() *Config {
	return &Config{
		settings: make(map[string]string),
		insns:    make(map[uint64]*ReplaceEntry),
	}
}

// Load parses the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads one setting per line. Malformed lines are logged and skipped.
func Parse(r io.Reader) (*Config, error) {
	c := New()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.AddSetting(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return c, nil
}

// AddSetting parses one configuration line.
func (c *Config) AddSetting(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
		return
	}
	if line[0] == ReplaceFlag {
		if err := c.addReplaceLine(line); err != nil {
			log.Warn(log.Config, "skipping replace entry", "line", line, "err", err)
		}
		return
	}

	kind, key, value := "regular", line, ""
	if eq := strings.IndexByte(line, '='); eq >= 0 {
		key, value = line[:eq], line[eq+1:]
	}
	if colon := strings.IndexByte(key, ':'); colon >= 0 {
		kind, key = key[:colon], key[colon+1:]
	}
	if kind == "regular" {
		if key == "" {
			log.Warn(log.Config, "skipping setting", "line", line, "err", fperrors.ErrFMalformedLine)
			return
		}
		c.settings[key] = value
		return
	}
	e, err := parseShadow(kind, key, value)
	if err != nil {
		log.Warn(log.Config, "skipping shadow entry", "line", line, "err", err)
		return
	}
	c.shadows = append(c.shadows, e)
}

func (c *Config) HasValue(key string) bool {
	_, ok := c.settings[key]
	return ok
}

// GetValue returns the setting for key, or "" when absent.
func (c *Config) GetValue(key string) string { return c.settings[key] }

func (c *Config) SetValue(key, value string) { c.settings[key] = value }

// Keys returns the setting keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.settings))
	for k := range c.settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Bool reports whether key is set to "yes".
func (c *Config) Bool(key string) bool { return c.settings[key] == "yes" }

// BoolDefault is Bool with a default for absent keys. Any value other than
// "no" counts as enabled.
func (c *Config) BoolDefault(key string, def bool) bool {
	v, ok := c.settings[key]
	if !ok {
		return def
	}
	return v != "no"
}

// Int returns key as a decimal integer, or def when absent or malformed.
func (c *Config) Int(key string, def int) int {
	v, ok := c.settings[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn(log.Config, "not an integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// Address returns key as a hex address.
func (c *Config) Address(key string) (uint64, bool) {
	v, ok := c.settings[key]
	if !ok {
		return 0, false
	}
	addr, err := ParseAddress(v)
	if err != nil {
		log.Warn(log.Config, "bad address", "key", key, "value", v, "err", err)
		return 0, false
	}
	return addr, true
}

// SetAddress stores addr under key in 0x-prefixed hex.
func (c *Config) SetAddress(key string, addr uint64) {
	c.settings[key] = FormatAddress(addr)
}

// AddressList splits key on whitespace and parses each element as a hex
// address. Malformed elements are logged and dropped.
func (c *Config) AddressList(key string) []uint64 {
	var out []uint64
	for _, f := range strings.Fields(c.settings[key]) {
		addr, err := ParseAddress(f)
		if err != nil {
			log.Warn(log.Config, "dropping address", "key", key, "value", f, "err", err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", fperrors.ErrFBadAddress, s)
	}
	return v, nil
}

func FormatAddress(addr uint64) string { return fmt.Sprintf("%#x", addr) }

// IsBindingKey reports whether key records a target cell address.
func IsBindingKey(key string) bool {
	return strings.HasSuffix(key, "min_addr") ||
		strings.HasSuffix(key, "max_addr") ||
		strings.HasSuffix(key, "count_addr")
}

// BindingKeys returns the sorted keys of all address bindings.
func (c *Config) BindingKeys() []string {
	var keys []string
	for _, k := range c.Keys() {
		if IsBindingKey(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Config) ShadowEntries() []*ShadowEntry   { return c.shadows }
func (c *Config) ReplaceEntries() []*ReplaceEntry { return c.replace }

// Summary renders settings (without address bindings), shadow entries and,
// if includeReplace is set, the replace entries.
func (c *Config) Summary(includeReplace bool) string {
	var sb strings.Builder
	c.write(&sb, "  ", false, includeReplace)
	return sb.String()
}

// Serialize renders the whole configuration, bindings included, in the
// format Parse reads.
func (c *Config) Serialize() string {
	var sb strings.Builder
	c.write(&sb, "", true, true)
	return sb.String()
}

func (c *Config) write(w io.StringWriter, indent string, bindings, includeReplace bool) {
	for _, k := range c.Keys() {
		if !bindings && IsBindingKey(k) {
			continue
		}
		w.WriteString(indent + k + "=" + c.settings[k] + "\n")
	}
	for _, e := range c.shadows {
		w.WriteString(indent + e.String() + "\n")
	}
	if includeReplace {
		for _, e := range c.replace {
			w.WriteString(e.String() + "\n")
		}
	}
}

// Save writes Serialize to path.
func (c *Config) Save(path string) error {
	if err := os.WriteFile(path, []byte(c.Serialize()), 0o644); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	return nil
}
