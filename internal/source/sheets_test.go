package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/cybertec-postgresql/sheetsync/internal/classify"
	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *SheetsProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSheetsProvider(SheetsConfig{
		SpreadsheetID: "sheet-1",
		Range:         "Listings!A1:D",
		Options: []option.ClientOption{
			option.WithEndpoint(srv.URL + "/"),
			option.WithHTTPClient(srv.Client()),
		},
	})
}

func TestReadAll(t *testing.T) {
	var path atomic.Value
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"range": "Listings!A1:D4",
			"majorDimension": "ROWS",
			"values": [
				["Property #", "Address", "Price"],
				["P-1", "Main St", "100"],
				["", "  "],
				["P-2", "Elm St"]
			]
		}`))
	})

	ctx := context.Background()
	require.NoError(t, p.Authenticate(ctx))
	require.NoError(t, p.Authenticate(ctx), "authenticate is idempotent")

	rows, err := p.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Row{
		{"Property #": "P-1", "Address": "Main St", "Price": "100"},
		{"Property #": "P-2", "Address": "Elm St", "Price": ""},
	}, rows)
	assert.True(t, strings.HasPrefix(path.Load().(string), "/v4/spreadsheets/sheet-1/values/"))
}

func TestReadAllRequiresAuthenticate(t *testing.T) {
	p := NewSheetsProvider(SheetsConfig{SpreadsheetID: "x"})
	_, err := p.ReadAll(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAuthenticateRequiresSpreadsheet(t *testing.T) {
	assert.Error(t, NewSheetsProvider(SheetsConfig{}).Authenticate(context.Background()))
}

func TestReadAllKeepsAPIError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "Quota exceeded"}}`))
	})
	require.NoError(t, p.Authenticate(context.Background()))

	_, err := p.ReadAll(context.Background())
	var apiErr *googleapi.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Code)
	assert.Equal(t, model.KindTransient, classify.Categorize(err))
}

func TestToRows(t *testing.T) {
	assert.Nil(t, ToRows(nil))
	assert.Empty(t, ToRows([][]any{{"only", "header"}}))

	rows := ToRows([][]any{{"A", "", "C"}, {1, "skip", 2.5}})
	require.Len(t, rows, 1)
	assert.Equal(t, model.Row{"A": "1", "C": "2.5"}, rows[0])
}
