package reconcile

import (
	"path"
	"strings"
)

// analysisSuffixes are the names the analysis worker writes, longest first
var analysisSuffixes = []string{"_structured.json", "_analysis.json", "_analysis.txt"}

// DeriveTranscriptKey guesses the transcript location from an analysis key.
// analysis/{base}_structured.json maps to transcripts/{base}_transcript.json.
// Keys that do not follow the convention still yield a transcripts/ key built
// from the file name without its extension.
func DeriveTranscriptKey(analysisKey string) string {
	base := path.Base(strings.TrimSpace(analysisKey))
	if base == "." || base == "/" {
		base = ""
	}

	trimmed := false
	for _, suffix := range analysisSuffixes {
		if strings.HasSuffix(base, suffix) && len(base) > len(suffix) {
			base = strings.TrimSuffix(base, suffix)
			trimmed = true
			break
		}
	}
	if !trimmed {
		base = strings.TrimSuffix(base, path.Ext(base))
	}
	if base == "" {
		base = "unknown"
	}
	return "transcripts/" + base + "_transcript.json"
}
