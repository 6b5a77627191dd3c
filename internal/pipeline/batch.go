package pipeline

import (
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// BatchConfig sets when a storage pipeline writes its buffered rows. A
// threshold of zero is disabled; with both disabled every row is written as
// soon as it arrives.
type BatchConfig struct {
	// Size flushes once this many rows are pending.
	Size int `mapstructure:"batch_size" yaml:"batch_size"`
	// Bytes flushes once the pending encoded records reach this many bytes.
	Bytes int `mapstructure:"batch_bytes" yaml:"batch_bytes"`
}

// Row is an encoded record waiting to be written.
type Row struct {
	Envelope Envelope
	Body     []byte
}

// Buffer accumulates rows until a count or byte threshold is reached. The
// caller writes the rows Add hands back outside the buffer's lock.
type Buffer struct {
	cfg BatchConfig

	mu    sync.Mutex
	rows  []Row
	bytes int
}

// NewBuffer creates an empty buffer.
func NewBuffer(cfg BatchConfig) *Buffer {
	return &Buffer{cfg: cfg}
}

// Add appends row. When a threshold is reached it empties the buffer and
// returns every pending row for writing; otherwise it returns nil.
func (b *Buffer) Add(row Row) []Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, row)
	b.bytes += len(row.Body)
	if !b.dueLocked() {
		return nil
	}
	return b.takeLocked()
}

// Drain empties the buffer and returns whatever was pending.
func (b *Buffer) Drain() []Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked()
}

// Len reports the number of pending rows.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

func (b *Buffer) dueLocked() bool {
	if b.cfg.Size <= 0 && b.cfg.Bytes <= 0 {
		return true
	}
	if b.cfg.Size > 0 && len(b.rows) >= b.cfg.Size {
		return true
	}
	return b.cfg.Bytes > 0 && b.bytes >= b.cfg.Bytes
}

func (b *Buffer) takeLocked() []Row {
	if len(b.rows) == 0 {
		return nil
	}
	rows := b.rows
	b.rows = nil
	b.bytes = 0
	return rows
}

// Encode wraps and marshals record into a Row.
func Encode(ids crawler.IDGenerator, clock crawler.Clock, spider crawler.Spider, record crawler.ResultRecord) (Row, error) {
	env, err := Wrap(ids, clock, spider, record)
	if err != nil {
		return Row{}, err
	}
	body, err := env.Marshal()
	if err != nil {
		return Row{}, err
	}
	return Row{Envelope: env, Body: body}, nil
}
