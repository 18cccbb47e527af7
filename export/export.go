// Package export renders completed search results as xlsx for download.
// Workbooks are generated on demand and streamed to the response; nothing is
// staged on disk or in object storage.
package export

import (
	"io"

	"github.com/xuri/excelize/v2"

	"leadsearch/domain"
)

var leadHeaders = []string{"Name", "Address", "Phone", "Website", "Rating", "Reviews", "Latitude", "Longitude"}

// WriteXLSX streams a single-sheet lead list to w.
func WriteXLSX(w io.Writer, places []domain.PlaceSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		sheet = "Sheet1"
	}
	if err := f.SetSheetName(sheet, "Leads"); err != nil {
		return err
	}
	sheet = "Leads"

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}

	rowNum := 1
	header := make([]interface{}, len(leadHeaders))
	for i, h := range leadHeaders {
		header[i] = h
	}
	if err := sw.SetRow(cellAxis(rowNum, 1), header); err != nil {
		return err
	}
	rowNum++

	for _, p := range places {
		row := []interface{}{
			p.Name,
			p.Address,
			p.Phone,
			p.Website,
			ratingCell(p.Rating),
			p.Reviews,
			coordCell(p.Latitude, p.Longitude, p.Latitude),
			coordCell(p.Latitude, p.Longitude, p.Longitude),
		}
		if err := sw.SetRow(cellAxis(rowNum, 1), row); err != nil {
			return err
		}
		rowNum++
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}

// Unrated places export an empty cell, not a misleading 0.
func ratingCell(rating float64) interface{} {
	if rating == 0 {
		return ""
	}
	return rating
}

func coordCell(lat, lng, v float64) interface{} {
	if lat == 0 && lng == 0 {
		return ""
	}
	return v
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
