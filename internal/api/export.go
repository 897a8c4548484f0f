package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/azure/brand-mentions-bot/internal/models"
)

const exportSheet = "Mentions"

var exportColumns = []string{
	"id", "brand", "type", "title", "body", "permalink", "created", "subreddit",
	"author", "score", "sentiment", "source",
}

func exportRow(m *models.Mention) []string {
	return []string{
		m.ID,
		m.Brand,
		string(m.Type),
		m.Title,
		m.Body,
		m.Permalink,
		m.CreatedAt.UTC().Format(time.RFC3339),
		m.Subreddit,
		m.Author,
		strconv.Itoa(m.Score),
		m.DisplaySentiment(),
		m.DiscoveredVia,
	}
}

// Export handles GET /export?brand=&format=csv|xlsx. Without a brand every
// non-deleted mention is exported.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	brand := strings.TrimSpace(q.Get("brand"))
	if brand != "" && !h.validBrand(brand) {
		respondError(w, http.StatusBadRequest, "invalid brand", nil)
		return
	}

	format := q.Get("format")
	if format == "" {
		format = "csv"
	}

	prefix := brand
	if prefix == "" {
		prefix = "all"
	}
	filename := fmt.Sprintf("%s_mentions_%s.%s", prefix, h.now().UTC().Format("20060102"), format)

	switch format {
	case "csv":
		h.exportCSV(w, r, brand, filename)
	case "xlsx":
		h.exportXLSX(w, r, brand, filename)
	default:
		respondError(w, http.StatusBadRequest, "unsupported format", nil)
	}
}

func (h *Handlers) exportCSV(w http.ResponseWriter, r *http.Request, brand, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	writer := csv.NewWriter(w)
	if err := writer.Write(exportColumns); err != nil {
		logrus.Errorf("Failed to write export header: %v", err)
		return
	}

	rows := 0
	err := h.store.Export(r.Context(), brand, func(m *models.Mention) error {
		rows++
		return writer.Write(exportRow(m))
	})
	writer.Flush()

	// Headers are already sent, so a failure can only be logged
	if err == nil {
		err = writer.Error()
	}
	if err != nil {
		logrus.Errorf("CSV export failed after %d rows: %v", rows, err)
		return
	}
	logrus.Infof("Exported %d mentions as CSV", rows)
}

func (h *Handlers) exportXLSX(w http.ResponseWriter, r *http.Request, brand, filename string) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build workbook", err)
		return
	}

	header := make([]interface{}, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build workbook", err)
		return
	}

	rowNo := 2
	err := h.store.Export(r.Context(), brand, func(m *models.Mention) error {
		values := exportRow(m)
		row := make([]interface{}, len(values))
		for i, v := range values {
			row[i] = v
		}
		row[9] = m.Score

		cell, err := excelize.CoordinatesToCellName(1, rowNo)
		if err != nil {
			return err
		}
		rowNo++
		return f.SetSheetRow(exportSheet, cell, &row)
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to export mentions", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	if err := f.Write(w); err != nil {
		logrus.Errorf("Failed to write workbook: %v", err)
		return
	}
	logrus.Infof("Exported %d mentions as XLSX", rowNo-2)
}
