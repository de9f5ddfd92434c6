package trace

import "testing"

func TestEnrich(t *testing.T) {
	tests := []struct {
		category, name string
		want           Tags
	}{
		{"libc", "malloc", Tags{Libc, Malloc}},
		{"libc", "open", Tags{Libc, File}},
		{"android", "dlsym", Tags{Android, Dynload}},
		{"libc", "__system_property_get", Tags{Libc, Property}},
		{"pthread", "pthread_once", Tags{Pthread}},
	}
	for _, tt := range tests {
		e := NewEvent(0x1000, tt.category, tt.name, "")
		Enrich(e)
		if len(e.Tags) != len(tt.want) {
			t.Fatalf("%s: tags = %v, want %v", tt.name, e.Tags, tt.want)
		}
		for i := range tt.want {
			if e.Tags[i] != tt.want[i] {
				t.Errorf("%s: tag[%d] = %s, want %s", tt.name, i, e.Tags[i], tt.want[i])
			}
		}
	}
}

func TestTags(t *testing.T) {
	var tags Tags
	tags.Add(File)
	tags.Add(File)
	tags.Add(Libc)
	if len(tags) != 2 {
		t.Fatalf("len = %d, want 2", len(tags))
	}
	if tags.Primary() != File {
		t.Errorf("Primary = %s", tags.Primary())
	}
	if got := tags.Strings(); got[0] != "#file" || got[1] != "#libc" {
		t.Errorf("Strings = %v", got)
	}
	if (&Event{}).PrimaryTag() != "" {
		t.Error("empty event has a primary tag")
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Record(0x10, "libc", "malloc", "size=16")
	c.Record(0x14, "libc", "open", "anisette/adi.pb")

	events := c.Drain()
	if len(events) != 2 {
		t.Fatalf("Drain = %d events, want 2", len(events))
	}
	if events[1].Detail != "anisette/adi.pb" || events[1].PC != 0x14 {
		t.Errorf("event = %+v", events[1])
	}
	if len(c.Drain()) != 0 {
		t.Error("Drain did not clear")
	}

	c.Record(0x18, "libc", "free", "")
	if c.Total() != 3 {
		t.Errorf("Total = %d, want 3", c.Total())
	}
	if c.Count(Malloc) != 2 || c.Count(Libc) != 3 || c.Count(File) != 1 {
		t.Errorf("counts: malloc=%d libc=%d file=%d", c.Count(Malloc), c.Count(Libc), c.Count(File))
	}
}
