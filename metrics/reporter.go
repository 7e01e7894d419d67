package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Reporter persists metrics as newline-delimited JSON, one file per UTC date
// named YYYY-MM-DD.jsonl under its directory.
type Reporter struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewReporter(dir string, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{dir: dir, logger: logger}
}

// WriteMetrics appends the batch, grouped by each record's timestamp date.
// The directory is created lazily on first write.
func (r *Reporter) WriteMetrics(batch []OptimizerMetrics) error {
	if len(batch) == 0 {
		return nil
	}

	byDate := make(map[string][]OptimizerMetrics)
	for _, entry := range batch {
		date := entry.Timestamp.UTC().Format(dateLayout)
		byDate[date] = append(byDate[date], entry)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %v", err)
	}

	for date, entries := range byDate {
		if err := r.appendToDateFile(date, entries); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) appendToDateFile(date string, entries []OptimizerMetrics) error {
	path := filepath.Join(r.dir, date+".jsonl")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer file.Close()

	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics record: %v", err)
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append to %s: %v", path, err)
		}
	}
	return nil
}

// ReadMetricsForDate loads one date file. A missing file or a parse failure
// yields an empty slice; parse failures are logged.
func (r *Reporter) ReadMetricsForDate(date string) []OptimizerMetrics {
	data, err := os.ReadFile(filepath.Join(r.dir, date+".jsonl"))
	if err != nil {
		return []OptimizerMetrics{}
	}

	entries := []OptimizerMetrics{}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry OptimizerMetrics
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			r.logger.Warnw("Skipping unparseable metrics file", "date", date, "error", err)
			return []OptimizerMetrics{}
		}
		entries = append(entries, entry)
	}
	return entries
}

// GetAvailableDates lists the dates with a metrics file, newest first.
func (r *Reporter) GetAvailableDates() []string {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		return []string{}
	}

	dates := []string{}
	for _, file := range files {
		if name, ok := strings.CutSuffix(file.Name(), ".jsonl"); ok {
			dates = append(dates, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates
}

// RequestSavings is one row in a report's top-savers list.
type RequestSavings struct {
	RequestId      string  `json:"requestId"`
	Date           string  `json:"date"`
	TokensSaved    int     `json:"tokensSaved"`
	SavingsPercent float64 `json:"savingsPercent"`
}

// Report aggregates a date range.
type Report struct {
	StartDate             string           `json:"startDate"`
	EndDate               string           `json:"endDate"`
	TotalRequests         int              `json:"totalRequests"`
	TotalTokensSaved      int              `json:"totalTokensSaved"`
	TotalCostSaved        float64          `json:"totalCostSaved"`
	AverageSavingsPercent float64          `json:"averageSavingsPercent"`
	TopSavers             []RequestSavings `json:"topSavers"`
}

// GenerateReport aggregates the inclusive date range. Every request weighs
// equally in the average savings percent. Top savers are the five largest
// absolute savings above 1000 tokens.
func (r *Reporter) GenerateReport(startDate, endDate string) (Report, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return Report{}, fmt.Errorf("invalid start date %q: %v", startDate, err)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return Report{}, fmt.Errorf("invalid end date %q: %v", endDate, err)
	}
	if end.Before(start) {
		return Report{}, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}

	report := Report{StartDate: startDate, EndDate: endDate}
	savers := []RequestSavings{}
	percentSum := 0.0

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(dateLayout)
		for _, entry := range r.ReadMetricsForDate(date) {
			report.TotalRequests++
			report.TotalTokensSaved += entry.TokensSaved
			report.TotalCostSaved += entry.EstimatedCostSaved

			percent := 0.0
			if entry.OriginalTokenEstimate > 0 {
				percent = float64(entry.TokensSaved) / float64(entry.OriginalTokenEstimate) * 100
			}
			percentSum += percent

			if entry.TokensSaved > 1000 {
				savers = append(savers, RequestSavings{
					RequestId:      entry.RequestId,
					Date:           date,
					TokensSaved:    entry.TokensSaved,
					SavingsPercent: percent,
				})
			}
		}
	}

	if report.TotalRequests > 0 {
		report.AverageSavingsPercent = percentSum / float64(report.TotalRequests)
	}
	sort.Slice(savers, func(i, j int) bool { return savers[i].TokensSaved > savers[j].TokensSaved })
	if len(savers) > 5 {
		savers = savers[:5]
	}
	report.TopSavers = savers
	return report, nil
}
