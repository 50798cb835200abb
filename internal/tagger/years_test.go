package tagger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseYears(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Years
		wantErr bool
	}{
		{name: "empty", in: "", want: nil},
		{name: "blank", in: "   ", want: nil},
		{name: "list", in: "2016,2017,2018", want: Years{2016, 2017, 2018}},
		{name: "whitespace", in: " 2016 , 2017 ", want: Years{2016, 2017}},
		{name: "range", in: "2016-2018", want: Years{2016, 2017, 2018}},
		{name: "range and list", in: "2021,2016-2017", want: Years{2021, 2016, 2017}},
		{name: "duplicates dropped", in: "2017,2016,2017", want: Years{2017, 2016}},
		{name: "trailing comma", in: "2016,", want: Years{2016}},
		{name: "not a year", in: "20x6", wantErr: true},
		{name: "short", in: "99", wantErr: true},
		{name: "reversed range", in: "2018-2016", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseYears(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestYears_StringAndOverlap(t *testing.T) {
	y := Years{2016, 2017}
	assert.Equal(t, "2016,2017", y.String())
	assert.Equal(t, "", Years(nil).String())
	assert.Equal(t, Years{2017}, y.Overlap(Years{2017, 2021}))
	assert.Nil(t, y.Overlap(Years{2021}))
}

func TestYears_UnmarshalYAML(t *testing.T) {
	var doc struct {
		A Years `yaml:"a"`
		B Years `yaml:"b"`
		C Years `yaml:"c"`
	}
	err := yaml.Unmarshal([]byte("a: 2016,2017\nb: [2018, \"2019-2020\"]\nc: 2021\n"), &doc)
	require.NoError(t, err)
	assert.Equal(t, Years{2016, 2017}, doc.A)
	assert.Equal(t, Years{2018, 2019, 2020}, doc.B)
	assert.Equal(t, Years{2021}, doc.C)
}

func TestYears_UnmarshalYAMLRejectsMapping(t *testing.T) {
	var doc struct {
		A Years `yaml:"a"`
	}
	require.Error(t, yaml.Unmarshal([]byte("a: {x: 1}\n"), &doc))
}
