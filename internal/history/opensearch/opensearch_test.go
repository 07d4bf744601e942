package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/condsched/internal/history"
)

func TestSend_IndexesFlatDocument(t *testing.T) {
	var body []byte
	var path, method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "task-history")
	now := time.Now().UTC()
	ev := history.Event{
		OccurredAt: now,
		Record:     history.Record{Seq: 7, Task: "report", Action: history.ActionFail, Time: now, ExcText: "boom", Instance: "abc"},
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/task-history/_doc/abc-fail", path)

	var doc Document
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "report", doc.Task)
	assert.Equal(t, "fail", doc.Action)
	assert.True(t, doc.Outcome)
	assert.Equal(t, "boom", doc.ExcText)
	assert.Equal(t, uint64(7), doc.Seq)
}

func TestDocID(t *testing.T) {
	assert.Equal(t, "i1-run", docID(history.Record{Instance: "i1", Action: history.ActionRun, Seq: 1}))
	assert.Equal(t, "t-3", docID(history.Record{Task: "t", Seq: 3}))
	assert.False(t, toDocument(history.Event{Record: history.Record{Action: history.ActionRun}}).Outcome)
}

func TestSend_ErrorStatusCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Record: history.Record{Task: "x", Action: history.ActionRun}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
