// Package report collects the runtime findings of the analyses (cancellation
// events, NaN warnings, instruction counts, ranges) into a structured log
// that can be written as JSON or rendered as an HTML report.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/colorfulnotion/fpinst/log"
	"github.com/colorfulnotion/fpinst/semantics"
)

type MessageType uint8

const (
	Status MessageType = iota
	Error
	Warning
	Summary
	Cancellation
	ICount
	Range
	numMessageTypes
)

var messageTypeNames = [numMessageTypes]string{
	"Status", "Error", "Warning", "Summary", "Cancellation", "InstCount", "Range",
}

func (t MessageType) String() string {
	if t < numMessageTypes {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

func (t MessageType) MarshalText() ([]byte, error) {
	if t >= numMessageTypes {
		return nil, fmt.Errorf("unknown message type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	for i, n := range messageTypeNames {
		if n == string(b) {
			*t = MessageType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message type %q", b)
}

// Message is one finding. TraceID and InstID refer to the deduplicated trace
// and instruction tables of the owning Log; zero means none.
type Message struct {
	Time     float64     `json:"time"`
	Priority int64       `json:"priority"`
	Type     MessageType `json:"type"`
	Label    string      `json:"label"`
	Details  string      `json:"details,omitempty"`
	TraceID  int         `json:"trace_id,omitempty"`
	InstID   int         `json:"inst_id,omitempty"`

	// Values carries the numeric payload of Range and Summary messages.
	Values map[string]float64 `json:"values,omitempty"`
}

type Instruction struct {
	ID          int    `json:"id"`
	Address     string `json:"address"`
	Index       int    `json:"index"`
	Bytes       string `json:"bytes"`
	Disassembly string `json:"disassembly"`
}

type Trace struct {
	ID    int    `json:"id"`
	Trace string `json:"trace"`
}

// Document is the serialized form of a Log.
type Document struct {
	App          string        `json:"app"`
	Messages     []Message     `json:"messages"`
	Traces       []Trace       `json:"traces,omitempty"`
	Instructions []Instruction `json:"instructions,omitempty"`
}

// Log is safe for concurrent use by heavyweight handlers.
type Log struct {
	mu       sync.Mutex
	app      string
	start    time.Time
	msgs     []Message
	traces   []Trace
	traceIDs map[string]int
	insts    []Instruction
	instIDs  map[uint64]int
}

func NewLog(app string) *Log {
	return &Log{
		app:      app,
		start:    time.Now(),
		traceIDs: make(map[string]int),
		instIDs:  make(map[uint64]int),
	}
}

func (l *Log) App() string { return l.app }

// AddMessage records a finding. trace and inst are optional.
func (l *Log) AddMessage(t MessageType, priority int64, label, details, trace string, inst semantics.Instruction) {
	l.add(Message{Priority: priority, Type: t, Label: label, Details: details}, trace, inst)
}

// AddValues records a finding with a numeric payload.
func (l *Log) AddValues(t MessageType, priority int64, label, details string, values map[string]float64, inst semantics.Instruction) {
	l.add(Message{Priority: priority, Type: t, Label: label, Details: details, Values: values}, "", inst)
}

func (l *Log) add(m Message, trace string, inst semantics.Instruction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.Time = time.Since(l.start).Seconds()
	m.TraceID = l.traceID(trace)
	m.InstID = l.instID(inst)
	l.msgs = append(l.msgs, m)
	if m.Type == Error || m.Type == Warning {
		log.Debug(log.Report, "finding", "type", m.Type, "label", m.Label, "priority", m.Priority)
	}
}

func (l *Log) traceID(trace string) int {
	if trace == "" {
		return 0
	}
	if id, ok := l.traceIDs[trace]; ok {
		return id
	}
	id := len(l.traces) + 1
	l.traces = append(l.traces, Trace{ID: id, Trace: trace})
	l.traceIDs[trace] = id
	return id
}

func (l *Log) instID(inst semantics.Instruction) int {
	if inst == nil {
		return 0
	}
	if id, ok := l.instIDs[inst.Address()]; ok {
		return id
	}
	id := len(l.insts) + 1
	hexBytes := make([]string, inst.NumBytes())
	for i, b := range inst.Bytes() {
		hexBytes[i] = fmt.Sprintf("%02x", b)
	}
	l.insts = append(l.insts, Instruction{
		ID:          id,
		Address:     fmt.Sprintf("%#x", inst.Address()),
		Index:       inst.Index(),
		Bytes:       strings.Join(hexBytes, " "),
		Disassembly: inst.Disassembly(),
	})
	l.instIDs[inst.Address()] = id
	return id
}

// Messages returns a copy of every recorded message in order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.msgs...)
}

// Filter returns the messages of the given types.
func (l *Log) Filter(types ...MessageType) []Message {
	var out []Message
	for _, m := range l.Messages() {
		for _, t := range types {
			if m.Type == t {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// Instruction returns the deduplicated instruction record for id.
func (l *Log) Instruction(id int) (Instruction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 1 || id > len(l.insts) {
		return Instruction{}, false
	}
	return l.insts[id-1], true
}

func (l *Log) Document() Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Document{
		App:          l.app,
		Messages:     append([]Message{}, l.msgs...),
		Traces:       append([]Trace(nil), l.traces...),
		Instructions: append([]Instruction(nil), l.insts...),
	}
}

func (l *Log) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l.Document()); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

func (l *Log) SaveJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	if err := l.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ReadJSON(r io.Reader) (*Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &d, nil
}

func LoadJSON(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", path, err)
	}
	defer f.Close()
	return ReadJSON(f)
}

// FormatLargeCount abbreviates val with one decimal and an SI suffix,
// e.g. 1234567 -> "1.2M".
func FormatLargeCount(val uint64) string {
	divs, dec := 0, uint64(0)
	for val > 10000 {
		val /= 1000
		divs++
	}
	if val > 1000 {
		val /= 100
		dec = val % 10
		val /= 10
		divs++
	}
	s := fmt.Sprintf("%d.%d", val, dec)
	switch divs {
	case 0:
		return s
	case 1, 2, 3, 4, 5, 6:
		return s + string("KMGTPE"[divs-1])
	}
	return fmt.Sprintf("%se%d", s, divs*3)
}
