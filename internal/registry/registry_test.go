package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightdelivered/statement-engine/internal/config"
	"github.com/insightdelivered/statement-engine/internal/models"
)

type nopComponent struct{}

func (nopComponent) Init(*config.Effective, map[string]any) error { return nil }
func (nopComponent) Execute(*models.Context) (models.Outcome, error) {
	return models.OutcomeSuccess, nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("nop", func() Component { return nopComponent{} }))

	factory, err := r.Resolve("nop")
	require.NoError(t, err)
	assert.NotNil(t, factory())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("nop", func() Component { return nopComponent{} }))

	err := r.Register("nop", func() Component { return nopComponent{} })
	assert.ErrorIs(t, err, ErrDuplicateComponent)
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := New()
	r.MustRegister("nop", func() Component { return nopComponent{} })
	assert.Panics(t, func() {
		r.MustRegister("nop", func() Component { return nopComponent{} })
	})
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("ghost")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestIDsSorted(t *testing.T) {
	r := New()
	r.MustRegister("b", func() Component { return nopComponent{} })
	r.MustRegister("a", func() Component { return nopComponent{} })
	assert.Equal(t, []string{"a", "b"}, r.IDs())
}
