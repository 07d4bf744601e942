// Package opensearch indexes run records as flat documents so dashboards can
// aggregate on task and action without unnesting.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/condsched/internal/history"
)

// Document is the indexed shape of one run record.
type Document struct {
	Timestamp  time.Time `json:"@timestamp"`
	ExportedAt time.Time `json:"exported_at"`
	Seq        uint64    `json:"seq"`
	Task       string    `json:"task"`
	Action     string    `json:"action"`
	Instance   string    `json:"instance,omitempty"`
	Outcome    bool      `json:"outcome"`
	ExcText    string    `json:"exc_text,omitempty"`
}

// Sink PUTs each record to {baseURL}/{index}/_doc/{id}. The id is derived
// from the record so a retried export overwrites instead of duplicating.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func docID(r history.Record) string {
	if r.Instance == "" {
		return r.Task + "-" + strconv.FormatUint(r.Seq, 10)
	}
	return r.Instance + "-" + string(r.Action)
}

func toDocument(e history.Event) Document {
	r := e.Record
	return Document{
		Timestamp:  r.Time.UTC(),
		ExportedAt: e.OccurredAt,
		Seq:        r.Seq,
		Task:       r.Task,
		Action:     string(r.Action),
		Instance:   r.Instance,
		Outcome:    r.Action != history.ActionRun,
		ExcText:    r.ExcText,
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, s.index, url.PathEscape(docID(e.Record)))
	b, err := json.Marshal(toDocument(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch %s: status %d: %s", s.index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
