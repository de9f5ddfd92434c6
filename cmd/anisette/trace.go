package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/emulator"
	"github.com/zboralski/anisette/internal/loader"
	"github.com/zboralski/anisette/internal/trace"
	"github.com/zboralski/anisette/internal/ui/colorize"
)

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stderr, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. Lines are dropped while the queue is full so a
// slow terminal never stalls the guest.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func instructionTags(dis string) []string {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "BL":
		return []string{"#call"}
	case "BLR":
		return []string{"#call", "#br"}
	case "BR":
		return []string{"#br"}
	case "RET":
		return []string{"#ret"}
	case "SVC":
		return []string{"#syscall"}
	case "AESE", "AESD", "AESMC", "AESIMC":
		return []string{"#aes"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	op := fields[0]
	switch {
	case op == "RET", op == "BR", op == "B", op == "ERET":
		return true
	case strings.HasPrefix(op, "B."):
		return true
	case strings.HasPrefix(op, "CBZ"), strings.HasPrefix(op, "CBNZ"),
		strings.HasPrefix(op, "TBZ"), strings.HasPrefix(op, "TBNZ"):
		return true
	}
	return false
}

func formatLine(addr uint64, code []byte, dis, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)
	visible := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visible += 10

	if len(code) >= 4 {
		b.WriteString(colorize.HexBytes(fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])))
		b.WriteString("  ")
		visible += 10
	}

	b.WriteString(colorize.Instruction(dis))
	visible += len(dis)

	const insnCol = 50
	for ; visible < insnCol; visible++ {
		b.WriteByte(' ')
	}

	tags := instructionTags(dis)
	var details []string
	for _, e := range events {
		tags = append(tags, e.Tags.Strings()...)
		if e.Detail != "" {
			details = append(details, e.Detail)
		}
	}
	if len(tags) > 0 || len(details) > 0 {
		var parts []string
		if len(tags) > 0 {
			parts = append(parts, colorize.Tag(strings.Join(tags, " ")))
		}
		if len(details) > 0 {
			parts = append(parts, strings.Join(details, ", "))
		}
		b.WriteString(colorize.Comment("; "))
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("  ")
	}

	names := make([]string, 0, len(events)+1)
	if funcName != "" {
		names = append(names, funcName)
	}
	for _, e := range events {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	for i, n := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(colorize.FuncName(n))
	}
	return b.String()
}

// tracer prints the first limit instructions the guest executes, with
// the stub calls made between them. Counting continues past the limit.
type tracer struct {
	limit int
	quiet bool

	mu       sync.Mutex
	count    int
	retCount int
	brCount  int

	events trace.Collector
	syms   map[uint64]string
	out    *outputWriter
}

func newTracer(limit int, quiet bool, storeServices, coreADI []byte) *tracer {
	t := &tracer{limit: limit, quiet: quiet, syms: make(map[uint64]string)}
	for slot, lib := range []struct {
		name string
		data []byte
	}{
		{adi.StoreServicesLibrary, storeServices},
		{adi.CoreADILibrary, coreADI},
	} {
		img, err := loader.Parse(lib.name, lib.data)
		if err != nil {
			continue
		}
		base, _ := emulator.LibraryWindow(slot)
		for _, s := range img.Symbols {
			if !s.Defined || s.Object || s.Name == "" {
				continue
			}
			addr := base + s.Value
			if existing, ok := t.syms[addr]; !ok || len(s.Name) < len(existing) {
				t.syms[addr] = s.Name
			}
		}
	}
	friendly := make(map[string]string, len(adi.Exports))
	for _, e := range adi.Exports {
		friendly[e.Symbol] = e.Name
	}
	for addr, name := range t.syms {
		if f, ok := friendly[name]; ok {
			t.syms[addr] = name + " <" + f + ">"
		}
	}
	if !quiet {
		t.out = newOutputWriter()
	}
	return t
}

func (t *tracer) hook(emu *emulator.Emulator, addr uint64, size uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	events := t.events.Drain()
	if t.count > t.limit {
		return
	}
	code, _ := emu.MemRead(addr, 4)
	dis := emulator.DisasmWord(code)
	for _, tag := range instructionTags(dis) {
		switch tag {
		case "#ret":
			t.retCount++
		case "#br":
			t.brCount++
		}
	}
	if t.out == nil {
		return
	}
	t.out.Write(formatLine(addr, code, dis, t.syms[addr], events))
	if isBlockEnd(dis) {
		t.out.Write("")
	}
}

func (t *tracer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out != nil {
		t.out.Close()
		t.out = nil
	}
}

func (t *tracer) printStats() {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := []string{
		fmt.Sprintf("%s insn", colorize.FuncName(fmt.Sprint(t.count))),
		fmt.Sprintf("%s stub", colorize.FuncName(fmt.Sprint(t.events.Total()))),
	}
	if t.retCount > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", t.retCount, colorize.Detail("ret")))
	}
	if t.brCount > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", t.brCount, colorize.Detail("br")))
	}
	for _, tag := range []trace.Tag{trace.File, trace.Malloc, trace.Dynload} {
		if n := t.events.Count(tag); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, colorize.Tag("#"+string(tag))))
		}
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, colorize.Border(strings.Repeat("─", 41))+" "+strings.Join(parts, "  "))
}
