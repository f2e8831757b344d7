package extraction

// AggregateToDataset folds subject rows into one dataset-level record.
// Pure function: no I/O. Summation is associative; weighted means use the
// count of contributing BOLD files as the weight at every level.
func AggregateToDataset(subjects []*SubjectStats, sourceID string) *DatasetStats {
	if len(subjects) == 0 {
		// Fixed empty-record shape: counts zero, derived statistics n/a
		return &DatasetStats{
			SourceID:          sourceID,
			SessionsNum:       NAMetric(),
			SessionsMin:       NAMetric(),
			SessionsMax:       NAMetric(),
			BoldSizeMax:       NAMetric(),
			BoldDurationTotal: NAMetric(),
			BoldDurationMean:  NAMetric(),
			BoldVoxelsTotal:   NAMetric(),
			BoldVoxelsMean:    NAMetric(),
			Datatypes:         NA,
		}
	}

	uniqueSubjects := make(map[string]struct{})
	sessionCounts := make(map[string]int64)
	for _, s := range subjects {
		uniqueSubjects[s.SubjectID] = struct{}{}
		if s.SessionID != NA && s.SessionID != "" {
			sessionCounts[s.SubjectID]++
		}
	}

	out := &DatasetStats{
		SourceID:    sourceID,
		SubjectsNum: len(uniqueSubjects),
	}

	for _, s := range subjects {
		out.BoldNum += s.BoldNum
		out.T1wNum += s.T1wNum
		out.T2wNum += s.T2wNum
		out.BoldSize += s.BoldSize
		out.T1wSize += s.T1wSize
	}

	out.SessionsNum, out.SessionsMin, out.SessionsMax = sessionStats(sessionCounts)

	// Size-max approximation: average file size, not a true max
	if out.BoldNum > 0 {
		if approx := out.BoldSize / int64(out.BoldNum); approx > 0 {
			out.BoldSizeMax = Int(approx)
		} else {
			out.BoldSizeMax = NAMetric()
		}
	} else {
		out.BoldSizeMax = NAMetric()
	}

	// Weighted means: weight is the subject's BOLD file count
	var totalDuration float64
	var totalVoxels int64
	var durationWeight, voxelsWeight int64
	for _, s := range subjects {
		if s.BoldDurationTotal.Valid() {
			totalDuration += s.BoldDurationTotal.Value()
			durationWeight += int64(s.BoldNum)
		}
		if s.BoldVoxelsTotal.Valid() {
			totalVoxels += s.BoldVoxelsTotal.IntValue()
			voxelsWeight += int64(s.BoldNum)
		}
	}
	out.BoldDurationTotal, out.BoldDurationMean = weightedPair(totalDuration, durationWeight, false)
	out.BoldVoxelsTotal, out.BoldVoxelsMean = weightedPair(float64(totalVoxels), voxelsWeight, true)

	datatypes := make(map[string]struct{})
	for _, s := range subjects {
		splitDatatypes(s.Datatypes, datatypes)
	}
	out.Datatypes = joinDatatypes(datatypes)

	return out
}

// AggregateToStudy folds dataset records into one study-level record.
// Pure function: no I/O. "n/a" propagates: a metric is "n/a" when every
// contributing dataset's value is.
func AggregateToStudy(datasets []*DatasetStats) *StudyStats {
	out := &StudyStats{
		SubjectsNum:       NAMetric(),
		SessionsNum:       NAMetric(),
		SessionsMin:       NAMetric(),
		SessionsMax:       NAMetric(),
		BoldSize:          NAMetric(),
		T1wSize:           NAMetric(),
		BoldSizeMax:       NAMetric(),
		BoldDurationTotal: NAMetric(),
		BoldDurationMean:  NAMetric(),
		BoldVoxelsTotal:   NAMetric(),
		BoldVoxelsMean:    NAMetric(),
		Datatypes:         NA,
	}
	if len(datasets) == 0 {
		return out
	}

	var totalSubjects int64
	var totalBoldSize, totalT1wSize int64
	for _, d := range datasets {
		totalSubjects += int64(d.SubjectsNum)
		out.BoldNum += d.BoldNum
		out.T1wNum += d.T1wNum
		out.T2wNum += d.T2wNum
		totalBoldSize += d.BoldSize
		totalT1wSize += d.T1wSize
	}
	if totalSubjects > 0 {
		out.SubjectsNum = Int(totalSubjects)
	}
	if totalBoldSize > 0 {
		out.BoldSize = Int(totalBoldSize)
	}
	if totalT1wSize > 0 {
		out.T1wSize = Int(totalT1wSize)
	}

	// Session statistics recombine per-dataset figures: totals sum, min and
	// max fold across datasets that have any session data
	var sessionSum, sessionMin, sessionMax int64
	haveSessions := false
	for _, d := range datasets {
		if !d.SessionsNum.Valid() {
			continue
		}
		sessionSum += d.SessionsNum.IntValue()
		if !haveSessions {
			sessionMin = d.SessionsMin.IntValue()
			sessionMax = d.SessionsMax.IntValue()
			haveSessions = true
			continue
		}
		if v := d.SessionsMin.IntValue(); v < sessionMin {
			sessionMin = v
		}
		if v := d.SessionsMax.IntValue(); v > sessionMax {
			sessionMax = v
		}
	}
	if haveSessions {
		out.SessionsNum = Int(sessionSum)
		out.SessionsMin = Int(sessionMin)
		out.SessionsMax = Int(sessionMax)
	}

	// True max across dataset-level maxima, unlike the dataset level's
	// average-derived approximation
	var sizeMax int64
	haveSizeMax := false
	for _, d := range datasets {
		if d.BoldSizeMax.Valid() {
			if v := d.BoldSizeMax.IntValue(); !haveSizeMax || v > sizeMax {
				sizeMax = v
				haveSizeMax = true
			}
		}
	}
	if haveSizeMax {
		out.BoldSizeMax = Int(sizeMax)
	}

	var totalDuration float64
	var totalVoxels int64
	var durationWeight, voxelsWeight int64
	for _, d := range datasets {
		if d.BoldDurationTotal.Valid() {
			totalDuration += d.BoldDurationTotal.Value()
			durationWeight += int64(d.BoldNum)
		}
		if d.BoldVoxelsTotal.Valid() {
			totalVoxels += d.BoldVoxelsTotal.IntValue()
			voxelsWeight += int64(d.BoldNum)
		}
	}
	out.BoldDurationTotal, out.BoldDurationMean = weightedPair(totalDuration, durationWeight, false)
	out.BoldVoxelsTotal, out.BoldVoxelsMean = weightedPair(float64(totalVoxels), voxelsWeight, true)

	datatypes := make(map[string]struct{})
	for _, d := range datasets {
		splitDatatypes(d.Datatypes, datatypes)
	}
	out.Datatypes = joinDatatypes(datatypes)

	return out
}

// sessionStats derives total/min/max metrics from per-subject session counts
func sessionStats(counts map[string]int64) (num, minM, maxM Metric) {
	if len(counts) == 0 {
		return NAMetric(), NAMetric(), NAMetric()
	}
	var sum, lo, hi int64
	first := true
	for _, c := range counts {
		sum += c
		if first {
			lo, hi = c, c
			first = false
			continue
		}
		if c < lo {
			lo = c
		}
		if c > hi {
			hi = c
		}
	}
	return Int(sum), Int(lo), Int(hi)
}

// weightedPair returns the (total, mean) metric pair for a weighted sum,
// "n/a" when the weight is zero
func weightedPair(total float64, weight int64, integerTotal bool) (Metric, Metric) {
	if weight == 0 {
		return NAMetric(), NAMetric()
	}
	t := Float(total)
	if integerTotal {
		t = Int(int64(total))
	}
	return t, Float(total / float64(weight))
}
