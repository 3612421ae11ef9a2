package models

import "sort"

// TextFragment is one positioned span of text extracted from a source
// document. Coordinates are page points with the origin at the page's
// top-left corner. Fragments are produced once per document by the text
// extraction collaborator and never modified afterwards.
type TextFragment struct {
	Text   string  `json:"text"`
	Page   int     `json:"page"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// SortFragments orders fragments in reading order: page first, then
// vertical position, then horizontal position.
func SortFragments(frags []TextFragment) {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].Page != frags[j].Page {
			return frags[i].Page < frags[j].Page
		}
		if frags[i].Top != frags[j].Top {
			return frags[i].Top < frags[j].Top
		}
		return frags[i].Left < frags[j].Left
	})
}
