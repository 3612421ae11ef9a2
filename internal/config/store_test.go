package config

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"base.yaml": {Data: []byte(`
code: base
specificity: base
encoding: utf-8
table:
  row_tolerance: 2.0
pipeline:
  - component: field_cleaner
rules:
  validation: [core_validation]
  classification: core_classification
`)},
		"cn.yaml": {Data: []byte(`
code: cn
inherits_from: base
specificity: region
encoding: gbk
account_info:
  start_marker: "户名"
  fields:
    holder: "户名[:：]\\s*(\\S+)"
table:
  start_marker: "交易日期"
columns:
  - key: date
    type: date
    headers: ["交易日期"]
    extract:
      pattern: '^(?P<date>\d{8})'
`)},
		"demo.yaml": {Data: []byte(`
code: demo
inherits_from: cn
specificity: bank
name: Demo Bank
detection:
  keywords: [Demo Bank]
table:
  end_marker: "合计"
`)},
	}
}

func TestLoadMergesInheritanceChain(t *testing.T) {
	store, err := NewStore(testFS())
	require.NoError(t, err)

	eff, err := store.Load("demo")
	require.NoError(t, err)

	// Identity comes from the requested template.
	assert.Equal(t, "demo", eff.Code)
	assert.Equal(t, "bank", eff.Specificity)
	assert.Equal(t, "Demo Bank", eff.Name)

	// Scalars override leaf-most wins; untouched parent values survive.
	assert.Equal(t, "gbk", eff.Encoding)
	assert.Equal(t, "交易日期", eff.Table.StartMarker)
	assert.Equal(t, "合计", eff.Table.EndMarker)
	assert.Equal(t, 2.0, eff.Table.RowTolerance)

	// Nested maps merge; lists replace wholesale.
	assert.Equal(t, "户名", eff.AccountInfo.StartMarker)
	require.Len(t, eff.Columns, 1)
	assert.Equal(t, "date", eff.Columns[0].Key)
	assert.Equal(t, []string{"Demo Bank"}, eff.Detection.Keywords)
	assert.Equal(t, "core_classification", eff.Rules.Classification)
}

func TestLoadListReplacementIsNotAppend(t *testing.T) {
	fsys := testFS()
	fsys["demo.yaml"] = &fstest.MapFile{Data: []byte(`
code: demo
inherits_from: cn
specificity: bank
detection:
  keywords: [Demo Bank]
columns:
  - key: amount
    type: amount
    extract:
      token: 2
`)}
	store, err := NewStore(fsys)
	require.NoError(t, err)

	eff, err := store.Load("demo")
	require.NoError(t, err)
	// The child's column list fully replaces the parent's.
	require.Len(t, eff.Columns, 1)
	assert.Equal(t, "amount", eff.Columns[0].Key)
}

func TestLoadUnknownCode(t *testing.T) {
	store, err := NewStore(testFS())
	require.NoError(t, err)

	_, err = store.Load("nope")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadUnknownParent(t *testing.T) {
	fsys := testFS()
	fsys["orphan.yaml"] = &fstest.MapFile{Data: []byte("code: orphan\ninherits_from: ghost\n")}
	store, err := NewStore(fsys)
	require.NoError(t, err)

	_, err = store.Load("orphan")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadDetectsCycle(t *testing.T) {
	fsys := fstest.MapFS{
		"a.yaml": {Data: []byte("code: a\ninherits_from: b\n")},
		"b.yaml": {Data: []byte("code: b\ninherits_from: a\n")},
	}
	store, err := NewStore(fsys)
	require.NoError(t, err)

	_, err = store.Load("a")
	assert.ErrorIs(t, err, ErrConfigCycle)
}

func TestLoadRejectsDeepChain(t *testing.T) {
	fsys := fstest.MapFS{
		"l0.yaml": {Data: []byte("code: l0\n")},
		"l1.yaml": {Data: []byte("code: l1\ninherits_from: l0\n")},
		"l2.yaml": {Data: []byte("code: l2\ninherits_from: l1\n")},
		"l3.yaml": {Data: []byte("code: l3\ninherits_from: l2\n")},
		"l4.yaml": {Data: []byte("code: l4\ninherits_from: l3\n")},
	}
	store, err := NewStore(fsys)
	require.NoError(t, err)

	_, err = store.Load("l3")
	assert.NoError(t, err)
	_, err = store.Load("l4")
	assert.ErrorIs(t, err, ErrChainTooDeep)
}

func TestReloadChangesVersionAndDropsCache(t *testing.T) {
	fsys := testFS()
	store, err := NewStore(fsys)
	require.NoError(t, err)

	v1 := store.Version()
	first, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, v1, first.Version)

	fsys["demo.yaml"] = &fstest.MapFile{Data: []byte(`
code: demo
inherits_from: cn
specificity: bank
name: Renamed Bank
detection:
  keywords: [Demo Bank]
`)}
	require.NoError(t, store.Reload())

	v2 := store.Version()
	assert.NotEqual(t, v1, v2)

	second, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, "Renamed Bank", second.Name)
	assert.Equal(t, v2, second.Version)
}

func TestLoadIsCached(t *testing.T) {
	store, err := NewStore(testFS())
	require.NoError(t, err)

	a, err := store.Load("demo")
	require.NoError(t, err)
	b, err := store.Load("demo")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestNewStoreRejectsDuplicateCode(t *testing.T) {
	fsys := fstest.MapFS{
		"one.yaml": {Data: []byte("code: dup\n")},
		"two.yaml": {Data: []byte("code: dup\n")},
	}
	_, err := NewStore(fsys)
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateHeaderAlias(t *testing.T) {
	eff := &Effective{
		Code: "x",
		Columns: []Column{
			{Key: "a", Headers: []string{"Amount"}, Extract: ExtractSpec{Pattern: `(?P<a>\d+)`}},
			{Key: "b", Headers: []string{"Amount"}, Extract: ExtractSpec{Pattern: `(?P<b>\d+)`}},
		},
	}
	err := eff.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Amount")
}

func TestValidateRejectsExtractWithoutRule(t *testing.T) {
	eff := &Effective{
		Code:    "x",
		Columns: []Column{{Key: "a"}},
	}
	assert.Error(t, eff.Validate())
}

func TestMergeMapsDoesNotMutateInputs(t *testing.T) {
	dst := map[string]any{"table": map[string]any{"start_marker": "old", "keep": 1}}
	src := map[string]any{"table": map[string]any{"start_marker": "new"}}

	out := mergeMaps(dst, src)

	assert.Equal(t, "old", dst["table"].(map[string]any)["start_marker"])
	assert.Equal(t, "new", out["table"].(map[string]any)["start_marker"])
	assert.Equal(t, 1, out["table"].(map[string]any)["keep"])
}

func TestCodesInDeclarationOrder(t *testing.T) {
	store, err := NewStore(testFS())
	require.NoError(t, err)
	// Sorted file-name order: base, cn, demo.
	assert.Equal(t, []string{"base", "cn", "demo"}, store.Codes())
	assert.Equal(t, 2, store.DeclarationOrder("demo"))
}
