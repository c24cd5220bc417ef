package options

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	set := Parse(nil)

	require.Equal(t, len(Definitions), set.Len())
	for _, d := range Definitions {
		v, ok := set.Get(d.Name)
		require.True(t, ok, d.Name)
		assert.Equal(t, d.Default, v, d.Name)
	}
}

func TestParseCoercesAndFallsBack(t *testing.T) {
	set := Parse(map[string]string{
		"fit_thr":   " 35.5 ",
		"bet_thr":   "not-a-number",
		"cgs_num":   "250",
		"lbv_peel":  "2.5",
		"inv_num":   "",
		"readout":   "BIPOLAR",
		"ph_unwrap": "magic",
		"tik_reg":   "1e-4",
		"unknown":   "ignored",
	})

	assert.Equal(t, 35.5, set.Float("fit_thr"))
	assert.Equal(t, 0.4, set.Float("bet_thr"))
	assert.Equal(t, 250, set.Int("cgs_num"))
	assert.Equal(t, 2, set.Int("lbv_peel"))
	assert.Equal(t, 500, set.Int("inv_num"))
	assert.Equal(t, "bipolar", set.String("readout"))
	assert.Equal(t, "bestpath", set.String("ph_unwrap"))
	assert.Equal(t, 1e-4, set.Float("tik_reg"))

	_, ok := set.Get("unknown")
	assert.False(t, ok)
}

func TestSetMapIsACopy(t *testing.T) {
	set := Parse(nil)
	m := set.Map()
	m["fit_thr"] = 1.0

	assert.Equal(t, 40.0, set.Float("fit_thr"))
}

func TestNewTableOverrides(t *testing.T) {
	table, err := NewTable(map[string]string{"cgs_num": "100", "bkg_rm": "lbv"})
	require.NoError(t, err)

	set := table.Parse(map[string]string{"cgs_num": "oops"})
	assert.Equal(t, 100, set.Int("cgs_num"))
	assert.Equal(t, "lbv", set.String("bkg_rm"))

	// built-in table is untouched
	assert.Equal(t, 500, Parse(nil).Int("cgs_num"))
}

func TestNewTableRejectsBadOverrides(t *testing.T) {
	_, err := NewTable(map[string]string{"nope": "1"})
	assert.Error(t, err)

	_, err = NewTable(map[string]string{"readout": "sideways"})
	assert.Error(t, err)
}

func TestSetJSONRoundTripKeepsIntKinds(t *testing.T) {
	set := Parse(map[string]string{"cgs_num": "42"})
	b, err := json.Marshal(set)
	require.NoError(t, err)

	var back Set
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 42, back.Int("cgs_num"))
	assert.Equal(t, 40.0, back.Float("fit_thr"))
	assert.Equal(t, "pdf", back.String("bkg_rm"))
}

func TestEnumChoices(t *testing.T) {
	choices := map[string][]string{}
	for _, d := range Definitions {
		if d.Kind == KindEnum {
			choices[d.Name] = d.Choices
		}
	}
	assert.Equal(t, []string{"unipolar", "bipolar"}, choices["readout"])
	assert.Equal(t, []string{"bestpath", "laplacian"}, choices["ph_unwrap"])
	assert.Equal(t, []string{"pdf", "lbv", "resharp", "vsharp"}, choices["bkg_rm"])

	set := Parse(map[string]string{"ph_unwrap": "prelude", "bkg_rm": "esharp"})
	assert.Equal(t, "bestpath", set.String("ph_unwrap"))
	assert.Equal(t, "pdf", set.String("bkg_rm"))
}
