// Package extract turns source documents into positioned text fragments.
// It handles text-layer PDFs through the ledongthuc/pdf library and plain
// text exports in several encodings; the output of either path is the
// same fragment stream the rest of the pipeline consumes.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/insightdelivered/statement-engine/internal/models"
)

var (
	ErrUnsupportedSource = errors.New("unsupported source document type")
	ErrNoReadableText    = errors.New("no readable text could be extracted")
)

// maxSourceSize rejects absurd inputs before any parsing work.
const maxSourceSize = 64 << 20

// Extractor reads PDF and TXT statement files. The zero value is ready
// to use.
type Extractor struct{}

// New returns a document extractor.
func New() *Extractor { return &Extractor{} }

// Validate rejects sources that cannot be processed: missing files,
// empty files, oversized files and unsupported extensions.
func (e *Extractor) Validate(source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source document: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("source document %s: is a directory", source)
	}
	if info.Size() == 0 {
		return fmt.Errorf("source document %s: file is empty", source)
	}
	if info.Size() > maxSourceSize {
		return fmt.Errorf("source document %s: %d bytes exceeds the %d byte limit", source, info.Size(), int64(maxSourceSize))
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".pdf", ".txt":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedSource, filepath.Ext(source))
	}
}

// Extract reads the document and returns its text as positioned
// fragments. The fragments are not sorted; callers that need reading
// order use models.SortFragments.
func (e *Extractor) Extract(source string) ([]models.TextFragment, error) {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".pdf":
		return extractPDF(source)
	case ".txt":
		return extractTXT(source)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, filepath.Ext(source))
	}
}

// textQuality returns the ratio of meaningful characters (letters in any
// script, digits, whitespace and statement punctuation) to total
// characters. Identity-encoded fonts produce high-codepoint garbage that
// fails this ratio even though every rune is technically printable.
func textQuality(frags []models.TextFragment) float64 {
	total, readable := 0, 0
	for _, f := range frags {
		for _, r := range f.Text {
			total++
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
				r >= '0' && r <= '9', unicode.IsSpace(r):
				readable++
			case unicode.Is(unicode.Han, r):
				readable++
			case strings.ContainsRune(".,-/:;()'\"£$€¥￥%&@#!?+=*", r):
				readable++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(readable) / float64(total)
}

// isReadable gates extraction output: enough text and a high enough
// quality ratio. Below the gate the fragments are treated as garbage
// rather than handed to detection.
func isReadable(frags []models.TextFragment) bool {
	total := 0
	for _, f := range frags {
		total += len(f.Text)
	}
	if total <= 50 {
		return false
	}
	return textQuality(frags) > 0.6
}
