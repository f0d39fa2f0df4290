// Package msglog keeps the append-only conversation record for one live session.
package msglog

import (
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/capability"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type MediaType string

const (
	MediaSearch    MediaType = "search"
	MediaImageGen  MediaType = "image_gen"
	MediaReimagine MediaType = "reimagine"
)

// Metadata carries what the host needs to render a media-bearing entry.
type Metadata struct {
	Type    MediaType                    `json:"type"`
	Sources []capability.GroundingSource `json:"sources,omitempty"`
	Image   *capability.Image            `json:"image,omitempty"`
	Error   string                       `json:"error,omitempty"`
}

// Entry is immutable once appended. ID order is creation order.
type Entry struct {
	ID        uint64    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Draft is an entry before the log assigns its id and timestamp.
type Draft struct {
	Role     Role
	Text     string
	Metadata *Metadata
}

// Log is safe for concurrent appends. onAppend is invoked in id order, one
// entry at a time, and must not append to the same log.
type Log struct {
	deliverMu sync.Mutex
	mu        sync.RWMutex
	entries   []Entry
	active    *Entry
	seq       uint64
	clock     func() time.Time
	onAppend  func(Entry)
}

func New(onAppend func(Entry)) *Log {
	return &Log{clock: time.Now, onAppend: onAppend}
}

// Append records the draft and returns the stored entry.
func (l *Log) Append(d Draft) Entry {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	l.mu.Lock()
	l.seq++
	entry := Entry{
		ID:        l.seq,
		Role:      d.Role,
		Timestamp: l.clock(),
		Text:      d.Text,
		Metadata:  cloneMetadata(d.Metadata),
	}
	l.entries = append(l.entries, entry)
	if entry.Metadata != nil {
		active := entry
		l.active = &active
	}
	l.mu.Unlock()

	if l.onAppend != nil {
		l.onAppend(entry)
	}
	return entry
}

// Ordered returns entries in creation order.
func (l *Log) Ordered() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Newest returns entries newest first, the way the transcript is displayed.
func (l *Log) Newest() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Active returns the most recent media-bearing entry.
func (l *Log) Active() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return Entry{}, false
	}
	return *l.active, true
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func cloneMetadata(m *Metadata) *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Sources != nil {
		c.Sources = append([]capability.GroundingSource(nil), m.Sources...)
	}
	if m.Image != nil {
		img := *m.Image
		img.Data = append([]byte(nil), m.Image.Data...)
		c.Image = &img
	}
	return &c
}
