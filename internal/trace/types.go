// Package trace models the stub calls made by vendor code while it runs.
package trace

import (
	"slices"
	"sync"
	"time"
)

// Tag is an event category. Tags are stored without the # prefix.
type Tag string

// Tags attached to stub events.
const (
	Libc     Tag = "libc"
	Pthread  Tag = "pthread"
	CxxAbi   Tag = "cxxabi"
	Android  Tag = "android"
	Malloc   Tag = "malloc"
	String   Tag = "string"
	File     Tag = "file"
	Dynload  Tag = "dynload"
	Time     Tag = "time"
	Property Tag = "property"
	Random   Tag = "random"
	Abort    Tag = "abort"
)

// Tags is an ordered tag set; the first tag is the primary one.
type Tags []Tag

// Has reports whether tag is present.
func (t Tags) Has(tag Tag) bool { return slices.Contains(t, tag) }

// Add appends tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns the tags with the # prefix.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Event is one stub call.
type Event struct {
	PC        uint64 // return address in guest code
	Tags      Tags
	Name      string
	Detail    string
	Timestamp time.Time
}

// NewEvent builds an event tagged with its stub category.
func NewEvent(pc uint64, category, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{Tag(category)},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// PrimaryTag returns the primary tag with the # prefix.
func (e *Event) PrimaryTag() string {
	if p := e.Tags.Primary(); p != "" {
		return "#" + string(p)
	}
	return ""
}

var nameTags = map[string]Tag{
	"malloc": Malloc, "calloc": Malloc, "realloc": Malloc, "free": Malloc,
	"_Znwm": Malloc, "_Znam": Malloc, "_ZdlPv": Malloc, "_ZdaPv": Malloc,
	"memcpy": String, "memmove": String, "memset": String, "memcmp": String,
	"strlen": String, "strncpy": String, "strcmp": String, "strncmp": String,
	"open": File, "close": File, "read": File, "write": File, "lseek": File,
	"fstat": File, "lstat": File, "stat": File, "access": File, "mkdir": File,
	"ftruncate": File, "unlink": File, "fsync": File, "chmod": File,
	"dlopen": Dynload, "dlsym": Dynload, "dlclose": Dynload, "dlerror": Dynload,
	"gettimeofday": Time, "clock_gettime": Time, "time": Time,
	"__system_property_get": Property,
	"arc4random": Random, "arc4random_buf": Random, "rand": Random, "srand": Random,
	"abort": Abort, "exit": Abort,
}

// Enrich adds the secondary tag implied by the stub name.
func Enrich(e *Event) {
	if tag, ok := nameTags[e.Name]; ok {
		e.Tags.Add(tag)
	}
}

// Collector buffers events between instructions. It is safe for
// concurrent use.
type Collector struct {
	mu     sync.Mutex
	events []*Event
	total  int
	counts map[Tag]int
}

// Record matches the stub callback signature of the logger.
func (c *Collector) Record(pc uint64, category, name, detail string) {
	e := NewEvent(pc, category, name, detail)
	Enrich(e)
	c.Add(e)
}

// Add buffers e.
func (c *Collector) Add(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.total++
	if c.counts == nil {
		c.counts = make(map[Tag]int)
	}
	for _, t := range e.Tags {
		c.counts[t]++
	}
}

// Drain returns and clears the buffered events.
func (c *Collector) Drain() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// Total returns the number of events ever added.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Count returns how many events carried tag.
func (c *Collector) Count(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tag]
}
