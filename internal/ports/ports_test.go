package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "github.com/anstrom/portscope/internal/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want []uint16
	}{
		{"single", "22", []uint16{22}},
		{"list unsorted with duplicates", "443, 80,22,80", []uint16{22, 80, 443}},
		{"range", "1000-1003", []uint16{1000, 1001, 1002, 1003}},
		{"mixed", "8080,20-22,web", []uint16{20, 21, 22, 80, 443, 3000, 5000, 8000, 8008, 8080, 8081, 8443, 8888, 9000, 9443}},
		{"group case insensitive", "MAIL", []uint16{25, 110, 143, 465, 587, 993, 995}},
		{"range of one", "7-7", []uint16{7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAll(t *testing.T) {
	for _, spec := range []string{"all", "-", "1-65535", "22,all"} {
		got, err := Parse(spec)
		require.NoError(t, err, spec)
		require.Len(t, got, 65535, spec)
		assert.Equal(t, uint16(1), got[0])
		assert.Equal(t, uint16(65535), got[len(got)-1])
	}
}

func TestParseErrors(t *testing.T) {
	for _, spec := range []string{"", "0", "65536", "80,,443", "100-20", "http", "1-", "-5", "22,abc"} {
		t.Run(spec, func(t *testing.T) {
			_, err := Parse(spec)
			require.Error(t, err)
			assert.True(t, scanerrors.IsCode(err, scanerrors.CodePortInvalid), "got %v", err)
		})
	}
}

func TestGroups(t *testing.T) {
	names := Groups()
	assert.Contains(t, names, "common")
	assert.Contains(t, names, "web")
	assert.Contains(t, names, "all")

	web, ok := Group("web")
	require.True(t, ok)
	web[0] = 1
	again, _ := Group("web")
	assert.Equal(t, uint16(80), again[0], "Group must return a copy")

	_, ok = Group("nope")
	assert.False(t, ok)
}

func TestPrioritize(t *testing.T) {
	ports := []uint16{21, 22, 80, 443, 8080}

	got := Prioritize(ports, []uint16{443, 9999, 22, 443})
	assert.Equal(t, []uint16{443, 22, 21, 80, 8080}, got)
	assert.ElementsMatch(t, ports, got)

	assert.Equal(t, ports, Prioritize(ports, nil))
}
