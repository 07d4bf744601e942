package server

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/condsched/internal/history"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// pagination holds offset/limit query parameters.
type pagination struct {
	Offset int
	Limit  int
}

const maxLimit = 1000

// parsePagination parses offset and limit; limit is capped at maxLimit.
func parsePagination(c *gin.Context) (pagination, error) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		return pagination{}, errors.New("offset must be a non-negative number")
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		return pagination{}, errors.New("limit must be a non-negative number")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return pagination{Offset: offset, Limit: limit}, nil
}

func (p pagination) apply(recs []history.Record) []history.Record {
	if p.Offset >= len(recs) {
		return []history.Record{}
	}
	recs = recs[p.Offset:]
	if len(recs) > p.Limit {
		recs = recs[:p.Limit]
	}
	return recs
}

// parseActions accepts a comma separated list of history actions.
func parseActions(s string) ([]history.Action, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []history.Action
	for _, part := range strings.Split(s, ",") {
		a := history.Action(strings.TrimSpace(part))
		if a != history.ActionRun && !a.Terminal() {
			return nil, errors.New("unknown action " + strconv.Quote(string(a)))
		}
		out = append(out, a)
	}
	return out, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
