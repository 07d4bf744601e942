package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/condsched/internal/history"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestParseActions(t *testing.T) {
	got, err := parseActions("run, fail,crash")
	require.NoError(t, err)
	assert.Equal(t, []history.Action{history.ActionRun, history.ActionFail, history.ActionCrash}, got)

	got, err = parseActions("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseActions("run,explode")
	assert.ErrorContains(t, err, "explode")
}

func TestParsePagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := func(q string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/history?"+q, nil)
		return c
	}

	p, err := parsePagination(ctx(""))
	require.NoError(t, err)
	assert.Equal(t, pagination{Offset: 0, Limit: 100}, p)

	p, err = parsePagination(ctx("offset=2&limit=5000"))
	require.NoError(t, err)
	assert.Equal(t, pagination{Offset: 2, Limit: maxLimit}, p)

	_, err = parsePagination(ctx("offset=-1"))
	assert.Error(t, err)
	_, err = parsePagination(ctx("limit=x"))
	assert.Error(t, err)

	recs := []history.Record{{Seq: 1}, {Seq: 2}, {Seq: 3}}
	assert.Equal(t, recs[1:2], pagination{Offset: 1, Limit: 1}.apply(recs))
	assert.Empty(t, pagination{Offset: 5, Limit: 1}.apply(recs))
}
