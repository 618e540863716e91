package session

import "reportd/services/summarizer/internal/model"

// Dedup keeps the first file seen for each file type, preserving input order.
// It also returns how many duplicates were dropped.
func Dedup(files []model.ReportFile) ([]model.ReportFile, int) {
	out := make([]model.ReportFile, 0, len(files))
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if _, ok := seen[f.FileType]; ok {
			continue
		}
		seen[f.FileType] = struct{}{}
		out = append(out, f)
	}
	return out, len(files) - len(out)
}
