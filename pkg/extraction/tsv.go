package extraction

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SubjectsColumns is the fixed column order of the subjects table
var SubjectsColumns = []string{
	"source_id",
	"subject_id",
	"session_id",
	"bold_num",
	"t1w_num",
	"t2w_num",
	"bold_size",
	"t1w_size",
	"bold_duration_total",
	"bold_duration_mean",
	"bold_voxels_total",
	"bold_voxels_mean",
	"datatypes",
}

// DatasetsColumns is the fixed column order of the datasets table
var DatasetsColumns = []string{
	"source_id",
	"subjects_num",
	"sessions_num",
	"sessions_min",
	"sessions_max",
	"bold_num",
	"t1w_num",
	"t2w_num",
	"bold_size",
	"t1w_size",
	"bold_size_max",
	"bold_duration_total",
	"bold_duration_mean",
	"bold_voxels_total",
	"bold_voxels_mean",
	"datatypes",
}

// columnDescriptions is rendered into the JSON sidecar next to each table
var columnDescriptions = map[string]string{
	"source_id":           "Identifier of the source dataset",
	"subject_id":          "BIDS subject label (sub-*)",
	"session_id":          "BIDS session label (ses-*), n/a for single-session sources",
	"subjects_num":        "Number of distinct subjects",
	"sessions_num":        "Total number of sessions across subjects",
	"sessions_min":        "Smallest per-subject session count",
	"sessions_max":        "Largest per-subject session count",
	"bold_num":            "Number of BOLD imaging files",
	"t1w_num":             "Number of T1-weighted imaging files",
	"t2w_num":             "Number of T2-weighted imaging files",
	"bold_size":           "Total size of BOLD files in bytes",
	"t1w_size":            "Total size of T1-weighted files in bytes",
	"bold_size_max":       "Largest BOLD file size in bytes",
	"bold_duration_total": "Total BOLD scan duration in seconds",
	"bold_duration_mean":  "Mean BOLD scan duration in seconds",
	"bold_voxels_total":   "Total BOLD voxel count (x*y*z per file)",
	"bold_voxels_mean":    "Mean BOLD voxel count per file",
	"datatypes":           "Comma-separated sorted list of BIDS datatypes present",
}

// WriteSubjectsTSV writes the subjects table
func WriteSubjectsTSV(path string, rows []*SubjectStats) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.SourceID,
			r.SubjectID,
			r.SessionID,
			strconv.Itoa(r.BoldNum),
			strconv.Itoa(r.T1wNum),
			strconv.Itoa(r.T2wNum),
			strconv.FormatInt(r.BoldSize, 10),
			strconv.FormatInt(r.T1wSize, 10),
			r.BoldDurationTotal.String(),
			r.BoldDurationMean.String(),
			r.BoldVoxelsTotal.String(),
			r.BoldVoxelsMean.String(),
			r.Datatypes,
		})
	}
	return writeTSV(path, SubjectsColumns, records)
}

// WriteDatasetsTSV writes the datasets table
func WriteDatasetsTSV(path string, rows []*DatasetStats) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.SourceID,
			strconv.Itoa(r.SubjectsNum),
			r.SessionsNum.String(),
			r.SessionsMin.String(),
			r.SessionsMax.String(),
			strconv.Itoa(r.BoldNum),
			strconv.Itoa(r.T1wNum),
			strconv.Itoa(r.T2wNum),
			strconv.FormatInt(r.BoldSize, 10),
			strconv.FormatInt(r.T1wSize, 10),
			r.BoldSizeMax.String(),
			r.BoldDurationTotal.String(),
			r.BoldDurationMean.String(),
			r.BoldVoxelsTotal.String(),
			r.BoldVoxelsMean.String(),
			r.Datatypes,
		})
	}
	return writeTSV(path, DatasetsColumns, records)
}

// WriteSourcedataFiles writes the subjects and datasets tables with their
// JSON sidecars into a study's sourcedata directory. The subjects table name
// reflects whether any source is multi-session.
func WriteSourcedataFiles(sourcedataPath string, subjects []*SubjectStats, datasets []*DatasetStats) error {
	hasSessions := false
	for _, s := range subjects {
		if s.SessionID != NA {
			hasSessions = true
			break
		}
	}

	subjectsName := "sourcedata+subjects.tsv"
	if hasSessions {
		subjectsName = "sourcedata+subjects+sessions.tsv"
	}
	subjectsPath := filepath.Join(sourcedataPath, subjectsName)
	if err := WriteSubjectsTSV(subjectsPath, subjects); err != nil {
		return err
	}
	if err := writeSidecar(subjectsPath, SubjectsColumns); err != nil {
		return err
	}

	if len(datasets) == 0 {
		return nil
	}
	datasetsPath := filepath.Join(sourcedataPath, "sourcedata+datasets.tsv")
	if err := WriteDatasetsTSV(datasetsPath, datasets); err != nil {
		return err
	}
	return writeSidecar(datasetsPath, DatasetsColumns)
}

// ReadSubjectsTSV reads a subjects table back
func ReadSubjectsTSV(path string) ([]*SubjectStats, error) {
	records, err := readTSV(path, SubjectsColumns)
	if err != nil {
		return nil, err
	}

	rows := make([]*SubjectStats, 0, len(records))
	for i, rec := range records {
		row := &SubjectStats{
			SourceID:  rec[0],
			SubjectID: rec[1],
			SessionID: rec[2],
			Datatypes: rec[12],
		}
		var errs [8]error
		row.BoldNum, errs[0] = parseCount(rec[3])
		row.T1wNum, errs[1] = parseCount(rec[4])
		row.T2wNum, errs[2] = parseCount(rec[5])
		row.BoldSize, errs[3] = parseSize(rec[6])
		row.T1wSize, errs[4] = parseSize(rec[7])
		row.BoldDurationTotal, errs[5] = ParseMetric(rec[8])
		row.BoldDurationMean, errs[6] = ParseMetric(rec[9])
		row.BoldVoxelsTotal, errs[7] = ParseMetric(rec[10])
		for _, e := range errs {
			if e != nil {
				return nil, fmt.Errorf("failed to parse %s row %d: %w", path, i+1, e)
			}
		}
		if row.BoldVoxelsMean, err = ParseMetric(rec[11]); err != nil {
			return nil, fmt.Errorf("failed to parse %s row %d: %w", path, i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadDatasetsTSV reads a datasets table back
func ReadDatasetsTSV(path string) ([]*DatasetStats, error) {
	records, err := readTSV(path, DatasetsColumns)
	if err != nil {
		return nil, err
	}

	rows := make([]*DatasetStats, 0, len(records))
	for i, rec := range records {
		row := &DatasetStats{
			SourceID:  rec[0],
			Datatypes: rec[15],
		}
		var errs [14]error
		row.SubjectsNum, errs[0] = parseCount(rec[1])
		row.SessionsNum, errs[1] = ParseMetric(rec[2])
		row.SessionsMin, errs[2] = ParseMetric(rec[3])
		row.SessionsMax, errs[3] = ParseMetric(rec[4])
		row.BoldNum, errs[4] = parseCount(rec[5])
		row.T1wNum, errs[5] = parseCount(rec[6])
		row.T2wNum, errs[6] = parseCount(rec[7])
		row.BoldSize, errs[7] = parseSize(rec[8])
		row.T1wSize, errs[8] = parseSize(rec[9])
		row.BoldSizeMax, errs[9] = ParseMetric(rec[10])
		row.BoldDurationTotal, errs[10] = ParseMetric(rec[11])
		row.BoldDurationMean, errs[11] = ParseMetric(rec[12])
		row.BoldVoxelsTotal, errs[12] = ParseMetric(rec[13])
		row.BoldVoxelsMean, errs[13] = ParseMetric(rec[14])
		for _, e := range errs {
			if e != nil {
				return nil, fmt.Errorf("failed to parse %s row %d: %w", path, i+1, e)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// writeTSV writes a tab-delimited table with a header row, atomically
func writeTSV(path string, columns []string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// readTSV reads a tab-delimited table, validating the header
func readTSV(path string, columns []string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = len(columns)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty table %s", path)
	}
	for i, col := range records[0] {
		if col != columns[i] {
			return nil, fmt.Errorf("unexpected column %q in %s (want %q)", col, path, columns[i])
		}
	}
	return records[1:], nil
}

// writeSidecar writes the JSON sidecar describing a table's columns,
// replacing the .tsv suffix with .json
func writeSidecar(tsvPath string, columns []string) error {
	sidecar := make(map[string]map[string]string, len(columns))
	for _, col := range columns {
		sidecar[col] = map[string]string{"Description": columnDescriptions[col]}
	}

	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	data = append(data, '\n')

	jsonPath := strings.TrimSuffix(tsvPath, ".tsv") + ".json"
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", jsonPath, err)
	}
	return nil
}

// parseCount parses an integer cell, treating "n/a" as zero
func parseCount(s string) (int, error) {
	if s == NA || s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseSize parses a byte-count cell, treating "n/a" as zero
func parseSize(s string) (int64, error) {
	if s == NA || s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
