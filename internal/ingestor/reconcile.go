package ingestor

import (
	"github.com/lakeside-io/lakeside/internal/ingestion"
)

// reconcileFileInformation folds the per-file statistics of a request into one
// entry per table, in the order tables were first touched:
//
//   - ADD and REPLACE set the table's schema; REPLACE also resets its counts
//   - APPEND adds to the table's row, error and byte counts
//   - DELETE removes the table
//
// Only succeeded tasks count. Each succeeded uploading task contributed
// exactly one FileInformation entry, in task order.
func reconcileFileInformation(result *ingestion.Result) []ingestion.FileStatistics {
	tables := make(map[string]*ingestion.FileStatistics)
	order := make([]string, 0, len(result.FileInformation))
	next := 0

	for _, task := range result.Tasks {
		if task.Status != ingestion.TaskStatusSucceeded {
			continue
		}

		if task.Operation == ingestion.OperationDelete {
			delete(tables, task.TableName)

			continue
		}

		if !task.Operation.HasUpload() || next >= len(result.FileInformation) {
			continue
		}

		stats := result.FileInformation[next]
		next++

		current, ok := tables[stats.TableName]
		if !ok {
			s := stats
			tables[stats.TableName] = &s
			order = append(order, stats.TableName)

			continue
		}

		switch stats.Operation {
		case ingestion.OperationReplace:
			*current = stats
		case ingestion.OperationAdd:
			current.Columns = stats.Columns
			fold(current, stats)
		default:
			fold(current, stats)
		}
	}

	reconciled := make([]ingestion.FileStatistics, 0, len(tables))
	seen := make(map[string]bool, len(tables))

	for _, name := range order {
		s, ok := tables[name]
		if !ok || seen[name] {
			continue
		}

		seen[name] = true
		reconciled = append(reconciled, *s)
	}

	return reconciled
}

func fold(into *ingestion.FileStatistics, s ingestion.FileStatistics) {
	into.RowCount += s.RowCount
	into.ErrorCount += s.ErrorCount
	into.Bytes += s.Bytes
	into.FileName = s.FileName
	into.CSVKey = s.CSVKey
	into.ParquetKey = s.ParquetKey
	into.Checksum = s.Checksum
}
