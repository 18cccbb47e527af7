package export

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"leadsearch/domain"
)

func TestWriteXLSX(t *testing.T) {
	places := []domain.PlaceSummary{
		{PlaceID: "p1", Name: "Harbor Dental", Address: "12 Bay St", Phone: "+1 555 0100", Website: "https://harbor.example", Rating: 4.6, Reviews: 212, Latitude: 37.80, Longitude: -122.27},
		{PlaceID: "p2", Name: "Lakeview Dental"},
	}

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, places); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Leads")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "Name" || rows[0][4] != "Rating" {
		t.Fatalf("unexpected header row: %v", rows[0])
	}
	if rows[1][0] != "Harbor Dental" || rows[1][1] != "12 Bay St" {
		t.Fatalf("unexpected first lead row: %v", rows[1])
	}
	// Unrated, uncoordinated places get blank cells, not zeros.
	second := rows[2]
	for i := 1; i < len(second); i++ {
		if second[i] != "" {
			t.Fatalf("expected blank cell at col %d, got %q", i, second[i])
		}
	}
}

func TestWriteXLSXEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, nil); err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Leads")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want header only", len(rows))
	}
}
