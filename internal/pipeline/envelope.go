package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Envelope is the persisted form of a record, shared by the storage pipelines.
type Envelope struct {
	ID        string               `json:"id"`
	Spider    string               `json:"spider"`
	ScrapedAt time.Time            `json:"scraped_at"`
	Record    crawler.ResultRecord `json:"record"`
}

// Wrap stamps record with an id and timestamp.
func Wrap(ids crawler.IDGenerator, clock crawler.Clock, spider crawler.Spider, record crawler.ResultRecord) (Envelope, error) {
	id, err := ids.NewID()
	if err != nil {
		return Envelope{}, fmt.Errorf("record id: %w", err)
	}
	name := ""
	if spider != nil {
		name = spider.Name()
	}
	return Envelope{ID: id, Spider: name, ScrapedAt: clock.Now(), Record: record}, nil
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}
