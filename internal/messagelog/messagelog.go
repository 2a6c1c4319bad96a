// Package messagelog keeps a searchable, in-memory history of recent
// SyncJams messages so a host application (or a debugging
// console) can query "what happened on /transport or /chat recently"
// without re-deriving it from raw datagrams (spec §9 domain-stack
// item 3). It is an observability aid, not part of the protocol.
package messagelog

import (
	"fmt"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
)

// Entry is one logged message, flattened for indexing.
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	NodeID    int64     `json:"node_id"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a bounded, full-text-searchable ring of recent messages.
type Log struct {
	index    bleve.Index
	capacity int
	order    []string // insertion order of document IDs, oldest first
}

// New creates an in-memory message log holding up to capacity entries.
// capacity <= 0 defaults to 1000.
func New(capacity int) (*Log, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	mapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	addressField := bleve.NewTextFieldMapping()
	addressField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("address", addressField)

	bodyField := bleve.NewTextFieldMapping()
	bodyField.Analyzer = "standard"
	docMapping.AddFieldMappingsAt("body", bodyField)

	mapping.AddDocumentMapping("message", docMapping)

	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("messagelog: new index: %w", err)
	}
	return &Log{index: idx, capacity: capacity}, nil
}

// Append indexes one message, evicting the oldest entry if the log is
// at capacity.
func (l *Log) Append(address string, nodeID int64, body string, at time.Time) error {
	id := uuid.NewString()
	entry := Entry{ID: id, Address: address, NodeID: nodeID, Body: body, Timestamp: at}
	if err := l.index.Index(id, entry); err != nil {
		return fmt.Errorf("messagelog: index entry: %w", err)
	}
	l.order = append(l.order, id)

	if len(l.order) > l.capacity {
		evict := l.order[0]
		l.order = l.order[1:]
		if err := l.index.Delete(evict); err != nil {
			return fmt.Errorf("messagelog: evict oldest: %w", err)
		}
	}
	return nil
}

// Search runs a full-text query over message bodies, optionally
// restricted to one address, returning document IDs highest score first.
func (l *Log) Search(query string, address string, limit int) ([]string, error) {
	var q bleve.Query
	bodyQuery := bleve.NewMatchQuery(query)
	bodyQuery.SetField("body")

	if address != "" {
		addrQuery := bleve.NewMatchQuery(address)
		addrQuery.SetField("address")
		conj := bleve.NewConjunctionQuery(bodyQuery, addrQuery)
		q = conj
	} else {
		q = bodyQuery
	}

	if limit <= 0 {
		limit = 50
	}
	req := bleve.NewSearchRequest(q)
	req.Size = limit

	res, err := l.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("messagelog: search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Len returns the number of messages currently retained.
func (l *Log) Len() int {
	return len(l.order)
}

// Close releases the underlying index.
func (l *Log) Close() error {
	return l.index.Close()
}
