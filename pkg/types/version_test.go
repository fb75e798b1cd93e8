package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		revision uint64
		wantErr  bool
	}{
		{name: "plain semver", input: "1.2.3", expected: "1.2.3", revision: 0},
		{name: "with revision", input: "1.2.3.4", expected: "1.2.3.4", revision: 4},
		{name: "zero revision collapses", input: "1.2.3.0", expected: "1.2.3", revision: 0},
		{name: "empty", input: "", wantErr: true},
		{name: "two components", input: "1.2", wantErr: true},
		{name: "garbage", input: "not-a-version", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVersion(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v.String())
			assert.Equal(t, tt.revision, v.Revision())
		})
	}
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0.1", "1.0.0", 1},
		{"1.0.0.1", "1.0.0.2", -1},
		{"1.0.1", "1.0.0.9", 1},
	}

	for _, tt := range tests {
		a := MustVersion(tt.a)
		b := MustVersion(tt.b)
		assert.Equal(t, tt.expected, a.Compare(b), "%s vs %s", tt.a, tt.b)
	}
}

func TestVersionRangeSatisfies(t *testing.T) {
	r := MustVersionRange(">=1.2.0 <2.0.0")

	assert.True(t, r.Satisfies(MustVersion("1.2.0")))
	assert.True(t, r.Satisfies(MustVersion("1.9.9.3")))
	assert.False(t, r.Satisfies(MustVersion("1.1.9")))
	assert.False(t, r.Satisfies(MustVersion("2.0.0")))

	wildcard := MustVersionRange("*")
	assert.True(t, wildcard.Satisfies(MustVersion("0.0.1")))
}

func TestVersionJSONRoundTrip(t *testing.T) {
	v := MustVersion("0.3.5.1")

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `"0.3.5.1"`, string(data))

	var back Version
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Zero(t, v.Compare(back))
}

func TestPackageIdValidate(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"hello", false},
		{"hello-world", false},
		{"bitcoin-core-25", false},
		{"", true},
		{"Hello", true},
		{"-leading", true},
		{"trailing-", true},
		{"double--dash", true},
		{"under_score", true},
	}

	for _, tt := range tests {
		err := PackageId(tt.id).Validate()
		if tt.wantErr {
			assert.Error(t, err, tt.id)
		} else {
			assert.NoError(t, err, tt.id)
		}
	}
}
