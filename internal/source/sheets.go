// Package source reads raw rows from the spreadsheet being synchronized.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/cybertec-postgresql/sheetsync/internal/model"
)

// ErrNotAuthenticated is returned by ReadAll before Authenticate succeeded
var ErrNotAuthenticated = errors.New("source is not authenticated")

// Provider is a tabular data source
type Provider interface {
	// Authenticate prepares the client; calling it again is a no-op
	Authenticate(ctx context.Context) error
	// ReadAll returns every non-empty row in sheet order
	ReadAll(ctx context.Context) ([]model.Row, error)
}

// SheetsConfig selects the spreadsheet range to read
type SheetsConfig struct {
	SpreadsheetID   string
	Range           string
	CredentialsFile string
	// Options are appended to the client options, e.g. an endpoint in tests
	Options []option.ClientOption
}

// SheetsProvider reads a Google Sheets range. The first row holds the headers.
type SheetsProvider struct {
	cfg SheetsConfig

	mu  sync.Mutex
	srv *sheets.Service
}

// NewSheetsProvider returns an unauthenticated provider
func NewSheetsProvider(cfg SheetsConfig) *SheetsProvider {
	if cfg.Range == "" {
		cfg.Range = "A:ZZ"
	}
	return &SheetsProvider{cfg: cfg}
}

// Authenticate creates the Sheets service once
func (p *SheetsProvider) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srv != nil {
		return nil
	}
	if p.cfg.SpreadsheetID == "" {
		return errors.New("spreadsheet id is required")
	}

	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsReadonlyScope)}
	if p.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.cfg.CredentialsFile))
	}
	opts = append(opts, p.cfg.Options...)

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create sheets client: %w", err)
	}
	p.srv = srv
	logrus.WithField("spreadsheet", p.cfg.SpreadsheetID).Info("Sheets client ready")
	return nil
}

// ReadAll fetches the configured range
func (p *SheetsProvider) ReadAll(ctx context.Context) ([]model.Row, error) {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv == nil {
		return nil, ErrNotAuthenticated
	}

	resp, err := srv.Spreadsheets.Values.Get(p.cfg.SpreadsheetID, p.cfg.Range).
		ValueRenderOption("FORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s range %s: %w", p.cfg.SpreadsheetID, p.cfg.Range, err)
	}

	rows := ToRows(resp.Values)
	logrus.WithFields(logrus.Fields{
		"spreadsheet": p.cfg.SpreadsheetID,
		"range":       p.cfg.Range,
		"rows":        len(rows),
	}).Debug("Read rows from sheet")
	return rows, nil
}

// ToRows keys every value row by the header row. Rows without any non-blank
// cell are dropped; missing trailing cells become empty strings.
func ToRows(values [][]any) []model.Row {
	if len(values) == 0 {
		return nil
	}
	header := make([]string, len(values[0]))
	for i, h := range values[0] {
		header[i] = strings.TrimSpace(fmt.Sprint(h))
	}

	rows := make([]model.Row, 0, len(values)-1)
	for _, line := range values[1:] {
		row := make(model.Row, len(header))
		blank := true
		for i, name := range header {
			if name == "" {
				continue
			}
			cell := ""
			if i < len(line) && line[i] != nil {
				cell = fmt.Sprint(line[i])
			}
			if strings.TrimSpace(cell) != "" {
				blank = false
			}
			row[name] = cell
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows
}
