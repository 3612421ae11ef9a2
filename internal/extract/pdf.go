package extract

import (
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/insightdelivered/statement-engine/internal/models"
)

// a4Height is the fallback page height when no media box is declared
// anywhere on the page tree.
const a4Height = 842.0

// extractPDF reads the text layer of a PDF. Positioned content objects
// are preferred because downstream row grouping depends on coordinates;
// when a page exposes no content stream text, the library's row
// reconstruction is used with synthesized positions.
func extractPDF(source string) ([]models.TextFragment, error) {
	frags, err := readPDF(source)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", source, err)
	}
	if !isReadable(frags) {
		return nil, fmt.Errorf("extract %s: %w (the file may be image-based or use custom font encodings)", source, ErrNoReadableText)
	}
	return frags, nil
}

// readPDF walks every page. The pdf library panics on some malformed
// cross-reference tables, so the whole read is wrapped in a recover.
func readPDF(source string) (frags []models.TextFragment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf library crashed: %v", r)
		}
	}()

	f, r, err := pdf.Open(source)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	numPages := r.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("document has no pages")
	}

	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageFrags := contentFragments(page, i)
		if len(pageFrags) == 0 {
			pageFrags = rowFragments(page, i)
		}
		frags = append(frags, pageFrags...)
	}
	return frags, nil
}

// contentFragments lifts the page's raw text objects into fragments.
// PDF coordinates grow bottom-to-top, so Y is flipped against the page
// height to give reading-order tops.
func contentFragments(page pdf.Page, pageNum int) []models.TextFragment {
	content := page.Content()
	if len(content.Text) == 0 {
		return nil
	}
	height := pageHeight(page.V)

	frags := make([]models.TextFragment, 0, len(content.Text))
	for _, t := range content.Text {
		if t.S == "" {
			continue
		}
		top := height - t.Y
		frags = append(frags, models.TextFragment{
			Text:   t.S,
			Page:   pageNum,
			Left:   t.X,
			Top:    top,
			Right:  t.X + t.W,
			Bottom: top + t.FontSize,
		})
	}
	return frags
}

// rowFragments is the fallback for pages whose content stream yields no
// text objects. The library's row reconstruction keeps word X positions
// but only a coarse row Y, which is still enough for grouping.
func rowFragments(page pdf.Page, pageNum int) []models.TextFragment {
	rows, err := page.GetTextByRow()
	if err != nil {
		return nil
	}
	height := pageHeight(page.V)

	var frags []models.TextFragment
	for _, row := range rows {
		top := height - float64(row.Position)
		for _, word := range row.Content {
			if word.S == "" {
				continue
			}
			frags = append(frags, models.TextFragment{
				Text:   word.S,
				Page:   pageNum,
				Left:   word.X,
				Top:    top,
				Right:  word.X + word.W,
				Bottom: top + word.FontSize,
			})
		}
	}
	return frags
}

// pageHeight resolves the media box height, walking up the page tree
// because the attribute is inheritable.
func pageHeight(v pdf.Value) float64 {
	for ; !v.IsNull(); v = v.Key("Parent") {
		if mb := v.Key("MediaBox"); !mb.IsNull() {
			return mb.Index(3).Float64() - mb.Index(1).Float64()
		}
	}
	return a4Height
}
