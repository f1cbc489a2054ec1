package format

import (
	"testing"
)

func TestHumanBytesEdgeCases(t *testing.T) {
	type testCase struct {
		name     string
		input    int64
		expected string
	}

	tests := []testCase{
		// Negative values (function treats them as bytes)
		{
			name:     "negative bytes",
			input:    -1,
			expected: "-1 B",
		},
		{
			name:     "negative value treated as bytes",
			input:    -1500,
			expected: "-1500 B",
		},
		{
			name:     "large negative value treated as bytes",
			input:    -1500000,
			expected: "-1500000 B",
		},

		// Boundary values
		{
			name:     "exactly 1 KB boundary",
			input:    1000,
			expected: "1 KB",
		},
		{
			name:     "just below 1 KB boundary",
			input:    999,
			expected: "999 B",
		},
		{
			name:     "exactly 1 MB boundary",
			input:    1000000,
			expected: "1 MB",
		},
		{
			name:     "just below 1 MB boundary",
			input:    999999,
			expected: "999 KB",
		},
		{
			name:     "exactly 1 GB boundary",
			input:    1000000000,
			expected: "1 GB",
		},
		{
			name:     "just below 1 GB boundary",
			input:    999999999,
			expected: "999 MB",
		},
		{
			name:     "exactly 1 TB boundary",
			input:    1000000000000,
			expected: "1 TB",
		},
		{
			name:     "just below 1 TB boundary",
			input:    999999999999,
			expected: "999 GB",
		},

		// Large values
		{
			name:     "very large TB value",
			input:    9223372036854775807, // math.MaxInt64
			expected: "9223372 TB",
		},
		{
			name:     "large TB with decimal",
			input:    1234567890123456,
			expected: "1234 TB",
		},

		// Precision edge cases
		{
			name:     "KB with exact .0 decimal",
			input:    2000,
			expected: "2 KB",
		},
		{
			name:     "KB with .1 decimal",
			input:    2100,
			expected: "2.1 KB",
		},
		{
			name:     "KB with .9 decimal",
			input:    2900,
			expected: "2.9 KB",
		},
		{
			name:     "MB with exact .0 decimal",
			input:    3000000,
			expected: "3 MB",
		},
		{
			name:     "MB with .1 decimal",
			input:    3100000,
			expected: "3.1 MB",
		},
		{
			name:     "GB with exact .0 decimal",
			input:    4000000000,
			expected: "4 GB",
		},
		{
			name:     "GB with .1 decimal",
			input:    4100000000,
			expected: "4.1 GB",
		},

		// Values that result in >= 10 units (should be integers)
		{
			name:     "10 KB exactly",
			input:    10000,
			expected: "10 KB",
		},
		{
			name:     "10.5 KB (should round to 10)",
			input:    10500,
			expected: "10 KB",
		},
		{
			name:     "15.7 MB (should round to 15)",
			input:    15700000,
			expected: "15 MB",
		},
		{
			name:     "99.9 GB (should round to 99)",
			input:    99900000000,
			expected: "99 GB",
		},

		// Small fractional values
		{
			name:     "1.01 KB",
			input:    1010,
			expected: "1.0 KB",
		},
		{
			name:     "1.05 KB",
			input:    1050,
			expected: "1.1 KB",
		},
		{
			name:     "1.001 MB",
			input:    1001000,
			expected: "1.0 MB",
		},
		{
			name:     "1.009 MB",
			input:    1009000,
			expected: "1.0 MB",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := HumanBytes(tc.input)
			if result != tc.expected {
				t.Errorf("HumanBytes(%d): expected %s, got %s", tc.input, tc.expected, result)
			}
		})
	}
}

func TestHumanBytesConsistency(t *testing.T) {
	// Test that the same input always produces the same output
	testValues := []int64{0, 1, 999, 1000, 1500, 1000000, 1500000000}

	for _, val := range testValues {
		t.Run("consistency test", func(t *testing.T) {
			result1 := HumanBytes(val)
			result2 := HumanBytes(val)
			if result1 != result2 {
				t.Errorf("HumanBytes(%d) inconsistent: got %s and %s", val, result1, result2)
			}
		})
	}
}

func BenchmarkHumanBytes(b *testing.B) {
	testValues := []int64{
		0, 1, 999, 1000, 1500, 999999, 1000000, 1500000,
		999999999, 1000000000, 1500000000, 999999999999,
		1000000000000, 1500000000000,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, val := range testValues {
			_ = HumanBytes(val)
		}
	}
}
