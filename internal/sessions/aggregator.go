package sessions

// Summarize computes summary statistics over a session's file entries.
// Totals and the quality mean cover completed files only; averageQuality is 0
// when nothing completed.
func Summarize(files []FileEntry) Summary {
	var summary Summary
	summary.TotalFiles = len(files)

	var qualitySum float64
	for _, f := range files {
		switch f.Status {
		case FileCompleted:
			summary.SuccessfulFiles++
			if f.Result != nil {
				summary.TotalQuestions += len(f.Result.Questions)
				summary.QuestionsWithDiagrams += f.Result.DiagramCount
				summary.TotalProcessingTimeMs += f.Result.DurationMs
				qualitySum += f.Result.Quality
			}
		case FileFailed:
			summary.FailedFiles++
		}
	}

	if summary.SuccessfulFiles > 0 {
		summary.AverageQuality = qualitySum / float64(summary.SuccessfulFiles)
	}
	return summary
}
