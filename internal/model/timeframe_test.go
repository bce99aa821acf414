package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	tf, err := ParseTimeframe("5m")
	require.NoError(t, err)
	assert.Equal(t, TF5m, tf)
	assert.Equal(t, int64(300_000), tf.Millis())
	assert.Equal(t, 5*time.Minute, tf.Duration())

	_, err = ParseTimeframe("7m")
	assert.Error(t, err)
	_, err = ParseTimeframe("")
	assert.Error(t, err)
}

func TestTimeframeBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tf   Timeframe
		ts   int64
		want int64
	}{
		{"1m mid-bucket", TF1m, 1_700_000_059_999, 1_700_000_040_000},
		{"1m on boundary", TF1m, 1_700_000_040_000, 1_700_000_040_000},
		{"1h mid-bucket", TF1h, 1_700_003_599_000, 1_700_002_800_000},
		{"1d floors to day", TF1d, 1_699_999_999_999, 1_699_920_000_000},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.tf.Bucket(tt.ts)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, got%tt.tf.Millis())
			assert.LessOrEqual(t, got, tt.ts)
		})
	}
}
