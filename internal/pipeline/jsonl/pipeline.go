// Package jsonl appends records as JSON lines to a file on the local filesystem.
package jsonl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/pipeline"
)

// Config captures the parameters for the JSON lines pipeline.
type Config struct {
	// Dir is the directory holding one <spider>.jsonl file per spider.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Pipeline writes one JSON envelope per line.
type Pipeline struct {
	dir   string
	ids   crawler.IDGenerator
	clock crawler.Clock

	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	path string
}

// New creates a JSON lines pipeline.
func New(cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Pipeline, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("jsonl dir is required")
	}
	return &Pipeline{dir: cfg.Dir, ids: ids, clock: clock}, nil
}

// Open creates the directory if needed and opens the spider's file for append.
func (p *Pipeline) Open(_ context.Context, spider crawler.Spider) error {
	info, err := os.Stat(p.dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(p.dir, 0o750); mkErr != nil {
			return fmt.Errorf("create jsonl dir: %w", mkErr)
		}
	case err != nil:
		return fmt.Errorf("stat jsonl dir: %w", err)
	case !info.IsDir():
		return fmt.Errorf("jsonl path %q is not a directory", p.dir)
	}

	name := "records"
	if spider != nil && spider.Name() != "" {
		name = spider.Name()
	}
	path := filepath.Join(p.dir, name+".jsonl")
	// Clean the path and verify it's within dir to prevent path traversal.
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(p.dir)+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path checked above
	if err != nil {
		return fmt.Errorf("open jsonl file: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.file = f
	p.buf = bufio.NewWriter(f)
	p.path = path
	return nil
}

// Path returns the file being written.
func (p *Pipeline) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// Process appends the record.
func (p *Pipeline) Process(_ context.Context, record crawler.ResultRecord, spider crawler.Spider) (crawler.ResultRecord, error) {
	env, err := pipeline.Wrap(p.ids, p.clock, spider, record)
	if err != nil {
		return nil, err
	}
	line, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf == nil {
		return nil, fmt.Errorf("jsonl pipeline is not open")
	}
	if _, err := p.buf.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	return record, nil
}

// Close flushes buffered lines and closes the file.
func (p *Pipeline) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	flushErr := p.buf.Flush()
	closeErr := p.file.Close()
	p.file, p.buf = nil, nil
	if flushErr != nil {
		return fmt.Errorf("flush jsonl: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close jsonl: %w", closeErr)
	}
	return nil
}
