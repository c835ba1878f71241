package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

type SheetsConfig struct {
	SpreadsheetID   string
	CredentialsFile string
	FontFamily      string
	FontSize        int64
}

// SheetsStore is the Google Sheets backend. Every WriteRows is one
// spreadsheets.batchUpdate.
type SheetsStore struct {
	srv    *sheets.Service
	id     string
	font   string
	size   int64
	mu     sync.Mutex
	sheets map[string]int64
}

// NewSheetsStore authenticates with a service account file. base carries
// transport settings; per-call deadlines come from the caller's context.
func NewSheetsStore(ctx context.Context, cfg SheetsConfig, base *http.Client) (*SheetsStore, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	s := &SheetsStore{
		srv:    srv,
		id:     cfg.SpreadsheetID,
		font:   cfg.FontFamily,
		size:   cfg.FontSize,
		sheets: make(map[string]int64),
	}
	if s.font == "" {
		s.font = "Arial"
	}
	if s.size == 0 {
		s.size = 10
	}
	return s, nil
}

// classifySheets maps API errors onto the store taxonomy.
func classifySheets(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests,
			gerr.Code == http.StatusRequestTimeout,
			gerr.Code >= 500:
			return Throttled(op, err)
		case gerr.Code == http.StatusForbidden && rateLimited(gerr):
			return Throttled(op, err)
		}
		return Hard(op, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Throttled(op, err)
	}
	return Hard(op, err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimit") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "quota")
}

func quote(sheet string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'"
}

// columnLetter converts a 0-based column index to A1 notation.
func columnLetter(i int) string {
	var b []byte
	for i >= 0 {
		b = append([]byte{byte('A' + i%26)}, b...)
		i = i/26 - 1
	}
	return string(b)
}

func (s *SheetsStore) sheetID(ctx context.Context, sheet string) (int64, bool, error) {
	s.mu.Lock()
	if id, ok := s.sheets[sheet]; ok {
		s.mu.Unlock()
		return id, true, nil
	}
	s.mu.Unlock()

	resp, err := s.srv.Spreadsheets.Get(s.id).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, false, classifySheets("get spreadsheet", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sh := range resp.Sheets {
		if sh.Properties != nil {
			s.sheets[sh.Properties.Title] = sh.Properties.SheetId
		}
	}
	id, ok := s.sheets[sheet]
	return id, ok, nil
}

func (s *SheetsStore) EnsureSheet(ctx context.Context, sheet string, header []string) error {
	_, ok, err := s.sheetID(ctx, sheet)
	if err != nil || ok {
		return err
	}

	resp, err := s.srv.Spreadsheets.BatchUpdate(s.id, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheet}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return classifySheets("add sheet", err)
	}
	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil {
		s.mu.Lock()
		s.sheets[sheet] = resp.Replies[0].AddSheet.Properties.SheetId
		s.mu.Unlock()
	}

	row := make([]interface{}, len(header))
	for i, h := range header {
		row[i] = h
	}
	_, err = s.srv.Spreadsheets.Values.Update(s.id, quote(sheet)+"!A1", &sheets.ValueRange{
		Values: [][]interface{}{row},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return classifySheets("write header", err)
}

func cellsOf(row []interface{}) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func (s *SheetsStore) ReadRecords(ctx context.Context, sheet string) (*Table, error) {
	vr, err := s.srv.Spreadsheets.Values.Get(s.id, quote(sheet)).
		ValueRenderOption("FORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return nil, classifySheets("read records", err)
	}
	t := &Table{Sheet: sheet}
	for i, row := range vr.Values {
		if i == 0 {
			t.Header = cellsOf(row)
			continue
		}
		t.Rows = append(t.Rows, Row{Handle: i + 1, Cells: cellsOf(row)})
	}
	return t, nil
}

func (s *SheetsStore) keyColumn(ctx context.Context, sheet string, col int) ([]string, error) {
	letter := columnLetter(col)
	rng := fmt.Sprintf("%s!%s%d:%s", quote(sheet), letter, AnchorRow, letter)
	vr, err := s.srv.Spreadsheets.Values.Get(s.id, rng).
		MajorDimension("COLUMNS").Context(ctx).Do()
	if err != nil {
		return nil, classifySheets("read key column", err)
	}
	if len(vr.Values) == 0 {
		return nil, nil
	}
	return cellsOf(vr.Values[0]), nil
}

func rowData(cells []string) []*sheets.RowData {
	values := make([]*sheets.CellData, len(cells))
	for i := range cells {
		v := cells[i]
		values[i] = &sheets.CellData{UserEnteredValue: &sheets.ExtendedValue{StringValue: &v}}
	}
	return []*sheets.RowData{{Values: values}}
}

func (s *SheetsStore) requests(sid int64, writes []RowWrite) []*sheets.Request {
	var reqs []*sheets.Request
	overwrite := func(row int, cells []string) *sheets.Request {
		return &sheets.Request{UpdateCells: &sheets.UpdateCellsRequest{
			Start: &sheets.GridCoordinate{
				SheetId:         sid,
				RowIndex:        int64(row - 1),
				ForceSendFields: []string{"SheetId", "RowIndex", "ColumnIndex"},
			},
			Rows:   rowData(cells),
			Fields: "userEnteredValue",
		}}
	}
	for _, w := range writes {
		switch w.Kind {
		case WriteInsertAtAnchor:
			reqs = append(reqs,
				&sheets.Request{InsertDimension: &sheets.InsertDimensionRequest{
					Range: &sheets.DimensionRange{
						SheetId:         sid,
						Dimension:       "ROWS",
						StartIndex:      AnchorRow - 1,
						EndIndex:        AnchorRow,
						ForceSendFields: []string{"SheetId"},
					},
				}},
				overwrite(AnchorRow, w.Cells))
		case WriteAppend:
			reqs = append(reqs, &sheets.Request{AppendCells: &sheets.AppendCellsRequest{
				SheetId:         sid,
				Rows:            rowData(w.Cells),
				Fields:          "userEnteredValue",
				ForceSendFields: []string{"SheetId"},
			}})
		case WriteOverwrite:
			reqs = append(reqs, overwrite(w.Row, w.Cells))
		case WriteDelete:
			reqs = append(reqs, &sheets.Request{DeleteDimension: &sheets.DeleteDimensionRequest{
				Range: &sheets.DimensionRange{
					SheetId:         sid,
					Dimension:       "ROWS",
					StartIndex:      int64(w.Row - 1),
					EndIndex:        int64(w.Row),
					ForceSendFields: []string{"SheetId"},
				},
			}})
		}
	}
	return reqs
}

func (s *SheetsStore) batchUpdate(ctx context.Context, op string, reqs []*sheets.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	_, err := s.srv.Spreadsheets.BatchUpdate(s.id, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: reqs,
	}).Context(ctx).Do()
	return classifySheets(op, err)
}

func (s *SheetsStore) openSheet(ctx context.Context, sheet string) (int64, error) {
	sid, ok, err := s.sheetID(ctx, sheet)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, Hard("open sheet", fmt.Errorf("sheet %q not found", sheet))
	}
	return sid, nil
}

// WriteRows re-reads the key column right before the call so keyed writes
// follow rows other writers have shifted since this run read the sheet.
func (s *SheetsStore) WriteRows(ctx context.Context, b Batch) error {
	if len(b.Writes) == 0 {
		return nil
	}
	sid, err := s.openSheet(ctx, b.Sheet)
	if err != nil {
		return err
	}
	writes := b.Writes
	if b.KeyColumn >= 0 {
		keys, err := s.keyColumn(ctx, b.Sheet, b.KeyColumn)
		if err != nil {
			return err
		}
		writes = Rebase(keys, b.KeyColumn, writes)
	}
	return s.batchUpdate(ctx, "write rows", s.requests(sid, writes))
}

func (s *SheetsStore) AppendSummary(ctx context.Context, sheet string, cells []string, atTop bool) error {
	sid, err := s.openSheet(ctx, sheet)
	if err != nil {
		return err
	}
	kind := WriteAppend
	if atTop {
		kind = WriteInsertAtAnchor
	}
	return s.batchUpdate(ctx, "append summary", s.requests(sid, []RowWrite{{Kind: kind, Cells: cells}}))
}

func (s *SheetsStore) ApplyUniformFormatting(ctx context.Context, sheet string, r RowRange) error {
	if r.Empty() {
		return nil
	}
	sid, err := s.openSheet(ctx, sheet)
	if err != nil {
		return err
	}
	return s.batchUpdate(ctx, "format", []*sheets.Request{{
		RepeatCell: &sheets.RepeatCellRequest{
			Range: &sheets.GridRange{
				SheetId:         sid,
				StartRowIndex:   int64(r.First - 1),
				EndRowIndex:     int64(r.Last),
				ForceSendFields: []string{"SheetId"},
			},
			Cell: &sheets.CellData{UserEnteredFormat: &sheets.CellFormat{
				TextFormat:        &sheets.TextFormat{FontFamily: s.font, FontSize: s.size},
				VerticalAlignment: "MIDDLE",
				WrapStrategy:      "CLIP",
			}},
			Fields: "userEnteredFormat(textFormat,verticalAlignment,wrapStrategy)",
		},
	}})
}
