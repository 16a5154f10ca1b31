package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProject = `
version: 4
actions:
  generate_dataset:
    run: ehrql:v1 generate-dataset analysis/dataset_definition.py --output output/dataset.csv
    outputs:
      highly_sensitive:
        dataset: output/dataset.csv
  analyse:
    run: python:v2 python analysis/analyse.py
    needs: [generate_dataset]
    outputs:
      moderately_sensitive:
        results: output/results.csv
        log: output/analyse.log
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sampleProject))
	require.NoError(t, err)

	assert.Equal(t, []string{"analyse", "generate_dataset"}, p.ActionNames())
	assert.Equal(t, []string{"generate_dataset"}, p.Actions["analyse"].Needs)

	assert.True(t, p.Actions["generate_dataset"].IsDatabaseAction())
	assert.False(t, p.Actions["analyse"].IsDatabaseAction())
	assert.Equal(t, "ehrql", p.Actions["generate_dataset"].Image())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"not yaml",
			`{{{`,
			"not valid YAML",
		},
		{
			"old version",
			"version: 2\nactions:\n  a:\n    run: python:v2 x\n    outputs: {moderately_sensitive: {o: x.csv}}",
			"version must be at least 3",
		},
		{
			"no actions",
			"version: 3\nactions: {}",
			"at least one action",
		},
		{
			"missing run",
			"version: 3\nactions:\n  a:\n    outputs: {moderately_sensitive: {o: x.csv}}",
			"no run command",
		},
		{
			"no outputs",
			"version: 3\nactions:\n  a:\n    run: python:v2 x",
			"at least one output",
		},
		{
			"bad privacy level",
			"version: 3\nactions:\n  a:\n    run: python:v2 x\n    outputs: {top_secret: {o: x.csv}}",
			"unknown privacy level",
		},
		{
			"unknown dependency",
			"version: 3\nactions:\n  a:\n    run: python:v2 x\n    needs: [b]\n    outputs: {moderately_sensitive: {o: x.csv}}",
			`needs unknown action "b"`,
		},
		{
			"reserved name",
			"version: 3\nactions:\n  run_all:\n    run: python:v2 x\n    outputs: {moderately_sensitive: {o: x.csv}}",
			"reserved action name",
		},
		{
			"cycle",
			`version: 3
actions:
  a:
    run: python:v2 x
    needs: [b]
    outputs: {moderately_sensitive: {o: a.csv}}
  b:
    run: python:v2 x
    needs: [a]
    outputs: {moderately_sensitive: {p: b.csv}}`,
			"dependency cycle",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestExpandRequested(t *testing.T) {
	p, err := Parse([]byte(sampleProject))
	require.NoError(t, err)

	actions, err := p.ExpandRequested([]string{"analyse"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyse"}, actions)

	actions, err = p.ExpandRequested([]string{"run_all"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyse", "generate_dataset"}, actions)

	// Duplicates collapse, order of first mention wins
	actions, err = p.ExpandRequested([]string{"analyse", "run_all", "analyse"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyse", "generate_dataset"}, actions)

	_, err = p.ExpandRequested([]string{"nope"})
	assert.ErrorContains(t, err, "not in the project pipeline")
}

func TestOutputLevels(t *testing.T) {
	p, err := Parse([]byte(sampleProject))
	require.NoError(t, err)

	levels, err := p.Actions["analyse"].OutputLevels()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"results": "moderately_sensitive",
		"log":     "moderately_sensitive",
	}, levels)

	dup := &Action{Outputs: map[string]map[string]string{
		"highly_sensitive":     {"same": "a.csv"},
		"moderately_sensitive": {"same": "b.csv"},
	}}
	_, err = dup.OutputLevels()
	assert.ErrorContains(t, err, "more than one privacy level")
}
