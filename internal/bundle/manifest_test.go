package bundle

import (
	"fmt"
	"strings"
	"testing"

	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseManifest = `{
	"format_version": "2.1",
	"id": "com.example.app",
	"name": "App",
	"version": %s,
	"platform": "mpk",
	"min_platform_version": "1",
	"code_type": "wasm",
	"entry_point": "app.wasm"
}`

func TestParseManifestVersionForms(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    Version
		wantErr bool
	}{
		{"flat", `"1.2.3"`, Version{Name: "1.2.3"}, false},
		{"object", `{"name": "2.0", "code": 20}`, Version{Name: "2.0", Code: 20, HasCode: true}, false},
		{"object string code", `{"name": "2.0", "code": "21"}`, Version{Name: "2.0", Code: 21, HasCode: true}, false},
		{"object without code", `{"name": "2.0"}`, Version{Name: "2.0"}, false},
		{"bad code", `{"name": "2.0", "code": "x"}`, Version{}, true},
		{"empty name", `{"code": 1}`, Version{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, err := ParseManifest([]byte(fmt.Sprintf(baseManifest, tt.version)))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pkg.Version)
		})
	}
}

func TestParseManifestRejectsEmptyRequiredField(t *testing.T) {
	manifest := `{"format_version":"2.1","id":"","name":"x"}`
	_, err := ParseManifest([]byte(manifest))

	var bundleErr *Error
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, KindMissingField, bundleErr.Kind)
	assert.Equal(t, "id", bundleErr.Field)
}

func TestParseManifestRejectsNonObject(t *testing.T) {
	_, err := ParseManifest([]byte(`[1, 2]`))
	assert.True(t, IsKind(err, KindMalformedManifest))

	_, err = ParseManifest([]byte(`null`))
	assert.True(t, IsKind(err, KindMalformedManifest))
}

func TestParseManifestKeepsCodeTypeSpelling(t *testing.T) {
	raw := strings.Replace(fmt.Sprintf(baseManifest, `"1.0"`), `"wasm"`, `"JavaScript"`, 1)
	pkg, err := ParseManifest([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, CodeType("JavaScript"), pkg.CodeType)
	assert.Equal(t, CodeJavaScript, pkg.CodeType.Kind())

	b, err := NewBuilder().WithManifest(pkg)
	require.NoError(t, err)
	b.AddCode("app.wasm", []byte("x"))
	r, err := Open(writeBundle(t, b))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, pkg.CodeType, r.Package().CodeType)

	assert.Equal(t, CodeWasm, CodeType(" WASM ").Kind())
}

func TestParseManifestTruncatesFractionalQuota(t *testing.T) {
	raw := strings.Replace(fmt.Sprintf(baseManifest, `"1.0"`),
		`"entry_point": "app.wasm"`,
		`"entry_point": "app.wasm", "sandbox": {"max_cpu_usage": 40.5}`, 1)
	pkg, err := ParseManifest([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, pkg.Sandbox)
	assert.Equal(t, int64(40), pkg.Limits(policy.DefaultLimits()).MaxCPUPercent)
}

func TestEntryCandidates(t *testing.T) {
	assert.Equal(t, []string{"main.js", "code/main.js"}, (&Package{EntryPoint: "main.js"}).EntryCandidates())
	assert.Equal(t, []string{"code/main.js"}, (&Package{EntryPoint: "code/main.js"}).EntryCandidates())
	assert.Nil(t, (&Package{}).EntryCandidates())
}
