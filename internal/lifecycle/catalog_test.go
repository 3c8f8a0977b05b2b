package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"cotton", "rice", "sugarcane", "wheat"}, c.Names())
	for _, crop := range c.Crops() {
		require.NoError(t, crop.Validate(), crop.Name)
		assert.GreaterOrEqual(t, crop.TotalDays, crop.Stages[len(crop.Stages)-1].EndDay, crop.Name)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(wheatYAML), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wheat"}, c.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	def, err := Load("")
	require.NoError(t, err)
	assert.Len(t, def.Names(), 4)
}

func TestTotalDaysDefaults(t *testing.T) {
	c, err := FromYAML([]byte(`crops:
  Millet:
    stages:
      - {id: a, label: A, start_day: 0, end_day: 50}
`))
	require.NoError(t, err)
	crop, err := c.Crop("MILLET")
	require.NoError(t, err)
	assert.Equal(t, "millet", crop.Name)
	assert.Equal(t, DefaultTotalDays, crop.TotalDays)
}

func TestInvalidConfigRejected(t *testing.T) {
	cases := map[string]string{
		"empty document": ``,
		"no crops":       `crops: {}`,
		"empty stages": `crops:
  wheat:
    total_days: 100
    stages: []
`,
		"gap between stages": `crops:
  wheat:
    total_days: 100
    stages:
      - {id: a, label: A, start_day: 0, end_day: 10}
      - {id: b, label: B, start_day: 11, end_day: 20}
`,
		"overlapping stages": `crops:
  wheat:
    total_days: 100
    stages:
      - {id: a, label: A, start_day: 0, end_day: 10}
      - {id: b, label: B, start_day: 5, end_day: 20}
`,
		"end before start": `crops:
  wheat:
    total_days: 100
    stages:
      - {id: a, label: A, start_day: 10, end_day: 10}
`,
		"zero total days": `crops:
  wheat:
    total_days: 0
    stages:
      - {id: a, label: A, start_day: 0, end_day: 10}
`,
		"missing id": `crops:
  wheat:
    stages:
      - {label: A, start_day: 0, end_day: 10}
`,
		"duplicate stage id": `crops:
  wheat:
    stages:
      - {id: a, label: A, start_day: 0, end_day: 10}
      - {id: a, label: B, start_day: 10, end_day: 20}
`,
		"case-insensitive duplicate crop": `crops:
  wheat:
    stages:
      - {id: a, label: A, start_day: 0, end_day: 10}
  Wheat:
    stages:
      - {id: a, label: A, start_day: 0, end_day: 10}
`,
		"unknown field": `crops:
  wheat:
    stages:
      - {id: a, label: A, start: 0, end_day: 10}
`,
		"malformed yaml": `crops: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := FromYAML([]byte(doc))
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestCropsReturnsCopies(t *testing.T) {
	c := wheatCatalog(t)
	crops := c.Crops()
	crops[0].Stages[0].Label = "mutated"
	crop, err := c.Crop("wheat")
	require.NoError(t, err)
	assert.Equal(t, "Planning", crop.Stages[0].Label)
}
