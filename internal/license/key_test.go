package license

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "canonical key unchanged",
			input: "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
			want:  "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		},
		{
			name:  "lowercase input",
			input: "computehub-aaaa-bbbb-cccc-dddd",
			want:  "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		},
		{
			name:  "missing hyphens",
			input: "COMPUTEHUBAAAABBBBCCCCDDDD",
			want:  "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		},
		{
			name:  "misplaced hyphens",
			input: "COMPUTEHUB-AA-AABB-BBCC-CC-DDDD",
			want:  "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		},
		{
			name:  "surrounding whitespace",
			input: "  COMPUTEHUB-AAAA-BBBB-CCCC-DDDD\n",
			want:  "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		},
		{
			name:  "interior spaces",
			input: "COMPUTEHUB AAAA BBBB CCCC DDDD",
			want:  "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD",
		},
		{
			name:  "digits allowed",
			input: "computehub-1234-5678-90ab-cdef",
			want:  "COMPUTEHUB-1234-5678-90AB-CDEF",
		},
		{
			name:    "missing prefix",
			input:   "HUBCOMPUTE-AAAA-BBBB-CCCC-DDDD",
			wantErr: true,
		},
		{
			name:    "body too short",
			input:   "COMPUTEHUB-AAAA-BBBB-CCCC",
			wantErr: true,
		},
		{
			name:    "body too long",
			input:   "COMPUTEHUB-AAAA-BBBB-CCCC-DDDD-EEEE",
			wantErr: true,
		},
		{
			name:    "punctuation in body",
			input:   "COMPUTEHUB-AAAA-BBBB-CCCC-DD!D",
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "prefix only",
			input:   "COMPUTEHUB",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKey(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidKeyFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeKeyIsIdempotent(t *testing.T) {
	inputs := []string{
		"computehub-aaaa-bbbb-cccc-dddd",
		"COMPUTEHUB1234567890ABCDEF",
		" computehub-zz99-yy88-xx77-ww66 ",
	}
	for _, in := range inputs {
		once, err := NormalizeKey(in)
		require.NoError(t, err)
		twice, err := NormalizeKey(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey("COMPUTEHUB-AAAA-BBBB-CCCC-DDDD"))
	assert.True(t, ValidKey("computehubaaaabbbbccccdddd"))
	assert.False(t, ValidKey("COMPUTEHUB-AAAA"))
	assert.False(t, ValidKey(""))
}

func TestMaskKeyHidesInteriorGroups(t *testing.T) {
	masked := MaskKey("COMPUTEHUB-AAAA-BBBB-CCCC-DDDD")
	assert.Equal(t, "COMPUTEHUB-****-****-****-DDDD", masked)
	assert.NotContains(t, masked, "AAAA")
	assert.NotContains(t, masked, "BBBB")
	assert.NotContains(t, masked, "CCCC")
}

func TestMaskKeyDistinctInteriorCharacters(t *testing.T) {
	// No character unique to the interior groups may survive masking.
	masked := MaskKey("COMPUTEHUB-1111-2222-3333-4444")
	for _, c := range "123" {
		assert.False(t, strings.ContainsRune(masked, c),
			"masked form leaked interior character %q", c)
	}
	assert.Contains(t, masked, "4444")
}

func TestMaskKeyNormalizesFirst(t *testing.T) {
	assert.Equal(t, "COMPUTEHUB-****-****-****-DDDD",
		MaskKey("computehub aaaa bbbb cccc dddd"))
}

func TestMaskKeyUnparsableInput(t *testing.T) {
	for _, in := range []string{"", "garbage", "COMPUTEHUB-AA"} {
		assert.Equal(t, maskedUnknown, MaskKey(in))
	}
}
