package shared

import "fmt"

// PreferredHeights are the resolutions offered on the keyboard, at most one format each
var PreferredHeights = []int{144, 240, 360, 480, 720, 1080}

var (
	AudioCandidate = FormatCandidate{FormatID: "bestaudio", Label: "Audio (bestaudio)", ContainerHint: "m4a"}
	BestCandidate  = FormatCandidate{FormatID: "best", Label: "Best quality"}
)

// BuildCandidates turns an extractor listing into keyboard order: audio first, one entry
// per preferred height in extractor order, best last.
func BuildCandidates(info MediaInfo) []FormatCandidate {
	preferred := make(map[int]bool, len(PreferredHeights))
	for _, h := range PreferredHeights {
		preferred[h] = true
	}

	out := []FormatCandidate{AudioCandidate}
	seen := map[int]bool{}
	for _, f := range info.Formats {
		h := f.Height
		if h == 0 || !preferred[h] || seen[h] {
			continue
		}
		label := fmt.Sprintf("%dp %s", h, f.Ext)
		size := f.FileSize
		if size == 0 {
			size = f.FileSizeApprox
		}
		if size > 0 {
			label += fmt.Sprintf(" (%.1fMB)", float64(size)/1024/1024)
		}
		out = append(out, FormatCandidate{FormatID: f.FormatID, Label: label, ContainerHint: f.Ext})
		seen[h] = true
	}
	return append(out, BestCandidate)
}
