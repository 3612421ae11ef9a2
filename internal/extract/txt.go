package extract

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"

	"github.com/insightdelivered/statement-engine/internal/models"
)

// txtEncodings are tried in order for plain text exports. Chinese bank
// portals usually hand out GBK; GB18030 is a superset and catches the
// rest.
var txtEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"utf-8", unicode.UTF8},
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
}

var ansiEscapeRE = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// extractTXT reads a plain text export line by line. Lines become
// fragments at synthetic positions: one row per line, all on page 1.
func extractTXT(source string) ([]models.TextFragment, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", source, err)
	}

	text, err := decodeText(data)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", source, err)
	}

	var frags []models.TextFragment
	lineNum := 0
	for _, line := range strings.Split(text, "\n") {
		lineNum++
		line = sanitizeLine(line)
		if line == "" {
			continue
		}
		frags = append(frags, models.TextFragment{
			Text:   line,
			Page:   1,
			Left:   0,
			Top:    float64(lineNum) * 10,
			Right:  float64(len(line)),
			Bottom: float64(lineNum)*10 + 10,
		})
	}
	if !isReadable(frags) {
		return nil, fmt.Errorf("extract %s: %w", source, ErrNoReadableText)
	}
	return frags, nil
}

// decodeText converts the raw bytes to UTF-8, trying each candidate
// encoding until one produces valid text.
func decodeText(data []byte) (string, error) {
	for _, candidate := range txtEncodings {
		decoded, err := candidate.enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		if utf8.Valid(decoded) && !strings.ContainsRune(string(decoded), utf8.RuneError) {
			return string(decoded), nil
		}
	}
	// Last resort: take the bytes as-is and let the quality gate decide.
	if utf8.Valid(data) {
		return string(data), nil
	}
	return "", fmt.Errorf("text is not decodable as %s", encodingNames())
}

func encodingNames() string {
	names := make([]string, len(txtEncodings))
	for i, c := range txtEncodings {
		names[i] = c.name
	}
	return strings.Join(names, ", ")
}

// sanitizeLine strips terminal escape sequences and control characters
// that portal exports sometimes carry, then trims the line.
func sanitizeLine(s string) string {
	s = ansiEscapeRE.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return -1
		}
		if r == 0x7f || r == utf8.RuneError || r == '\uFEFF' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
