package detect

import (
	"fmt"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
)

func testStore(t *testing.T) *config.Store {
	t.Helper()
	fsys := fstest.MapFS{
		"base.yaml": {Data: []byte(`
code: base
specificity: base
`)},
		"demo.yaml": {Data: []byte(`
code: demo
inherits_from: base
specificity: bank
detection:
  keywords: [Demo Bank, DMB]
account_info:
  start_marker: "Account Holder"
  fields:
    holder: "Account Holder:\\s*(\\S+)"
table:
  start_marker: 'Date\s+Type\s+Amount\s+Balance'
columns:
  - key: date
    extract:
      token: 0
`)},
		"generic.yaml": {Data: []byte(`
code: generic
inherits_from: base
specificity: region
detection:
  keywords: [Demo Bank, DMB]
account_info:
  start_marker: "Account Holder"
table:
  start_marker: 'Date\s+Type\s+Amount\s+Balance'
`)},
	}
	store, err := config.NewStore(fsys)
	require.NoError(t, err)
	return store
}

func fragments(lines ...string) []models.TextFragment {
	frags := make([]models.TextFragment, len(lines))
	for i, line := range lines {
		frags[i] = models.TextFragment{Text: line, Page: 1, Top: float64(i) * 10}
	}
	return frags
}

func statementLines() []string {
	lines := []string{
		"Demo Bank plc",
		"Account Holder: J Smith",
		"Date   Type   Amount   Balance",
	}
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("2024010%d TRANSFER 1,200.%02d 3,400.00", i, i))
	}
	return lines
}

func TestDetectMatchesAboveThreshold(t *testing.T) {
	d, err := New(testStore(t))
	require.NoError(t, err)

	code, confidence := d.Detect(fragments(statementLines()...))
	assert.GreaterOrEqual(t, confidence, AcceptThreshold)
	// demo and generic score identically; bank specificity outranks region.
	assert.Equal(t, "demo", code)
}

func TestDetectUnknownBelowThreshold(t *testing.T) {
	d, err := New(testStore(t))
	require.NoError(t, err)

	code, confidence := d.Detect(fragments(
		"Quarterly performance review",
		"All targets were met.",
	))
	assert.Equal(t, Unknown, code)
	assert.Less(t, confidence, AcceptThreshold)
}

func TestDetectEmptyDocument(t *testing.T) {
	d, err := New(testStore(t))
	require.NoError(t, err)

	code, confidence := d.Detect(nil)
	assert.Equal(t, Unknown, code)
	assert.Zero(t, confidence)
}

func TestDetectUsesPrefixOnly(t *testing.T) {
	d, err := New(testStore(t))
	require.NoError(t, err)

	// Bank evidence buried past the prefix window must not count.
	var lines []string
	for i := 0; i < prefixFragments; i++ {
		lines = append(lines, "lorem ipsum")
	}
	lines = append(lines, statementLines()...)

	code, _ := d.Detect(fragments(lines...))
	assert.Equal(t, Unknown, code)
}

func TestNewSkipsTemplatesWithoutKeywords(t *testing.T) {
	store := testStore(t)
	d, err := New(store)
	require.NoError(t, err)
	// base declares no keywords and must not be a candidate.
	for _, p := range d.profiles {
		assert.NotEqual(t, "base", p.code)
	}
	assert.Len(t, d.profiles, 2)
}
