package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariablesValue(t *testing.T) {
	v, err := Variables{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Variables{"status": 8}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":8}`, string(v.([]byte)))
}

func TestVariablesScan(t *testing.T) {
	var v Variables
	require.NoError(t, v.Scan([]byte(`{"attempt":2}`)))
	assert.EqualValues(t, 2, v["attempt"])

	require.NoError(t, v.Scan(`{"status":133}`))
	assert.EqualValues(t, 133, v["status"])
	assert.NotContains(t, v, "attempt")

	require.NoError(t, v.Scan(nil))
	assert.Nil(t, v)

	assert.Error(t, v.Scan(42))
	assert.Error(t, v.Scan([]byte(`not json`)))
}

func TestVariablesMerge(t *testing.T) {
	var v Variables
	v = v.Merge(Variables{"a": 1})
	assert.Equal(t, Variables{"a": 1}, v)

	v.Merge(Variables{"a": 2, "b": true})
	assert.Equal(t, Variables{"a": 2, "b": true}, v)
}
