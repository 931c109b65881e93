package youtube

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{raw: "PT45S", want: 45},
		{raw: "PT4M13S", want: 253},
		{raw: "PT1H2M3S", want: 3723},
		{raw: "PT2H", want: 7200},
		{raw: "P1DT2H", want: 93600},
		{raw: "P1W", want: 604800},
		{raw: "PT10.5S", want: 10},
		{raw: "P0D", want: 0},
		{raw: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDuration(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, raw := range []string{"P", "PT", "1H", "PT1X", "P1DT"} {
		_, err := ParseDuration(raw)
		assert.Error(t, err, "expected error for %q", raw)
	}
}
