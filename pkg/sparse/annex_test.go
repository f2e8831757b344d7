package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAnnexKeySize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		want int64
		ok   bool
	}{
		{
			name: "bare key",
			key:  "SHA256E-s12345678--abc123.nii.gz",
			want: 12345678,
			ok:   true,
		},
		{
			name: "symlink target",
			key:  "../../.git/annex/objects/Wx/Pj/SHA256E-s2048--deadbeef.nii.gz/SHA256E-s2048--deadbeef.nii.gz",
			want: 2048,
			ok:   true,
		},
		{
			name: "pointer file body",
			key:  "/annex/objects/MD5E-s512--0123456789abcdef.json",
			want: 512,
			ok:   true,
		},
		{name: "no size token", key: "SHA256E--abc123.nii.gz", ok: false},
		{name: "empty", key: "", ok: false},
		{name: "regular file content", key: "{\"Name\": \"My Dataset\"}", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			size, ok := ParseAnnexKeySize(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, size)
		})
	}
}
