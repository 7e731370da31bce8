package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/harunnryd/mpkd/internal/pathutil"
	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/tidwall/jsonc"
)

const (
	ManifestName           = "manifest.json"
	SignatureName          = "signature.sig"
	CertificateName        = "certificate.cer"
	CodeDir                = "code/"
	AssetsDir              = "assets/"
	ResourceArchive        = "assets/resources.zip"
	SupportedFormatVersion = "2.1"
)

// CodeType selects the launcher used to run a bundle.
type CodeType string

const (
	CodeBinary     CodeType = "binary"
	CodePython     CodeType = "python"
	CodeJavaScript CodeType = "javascript"
	CodeWasm       CodeType = "wasm"
)

// Kind folds case and surrounding space so "JavaScript" and "javascript"
// select the same launcher. The manifest keeps the declared spelling.
func (c CodeType) Kind() CodeType {
	return CodeType(strings.ToLower(strings.TrimSpace(string(c))))
}

// requiredFields are checked in this order; the first absent one is reported.
var requiredFields = []string{
	"format_version",
	"id",
	"name",
	"version",
	"platform",
	"min_platform_version",
	"code_type",
	"entry_point",
}

// Version accepts both manifest generations: a flat string or an object
// with name and code.
type Version struct {
	Name string
	Code int
	// HasCode is false for flat string versions.
	HasCode bool
}

func (v Version) String() string { return v.Name }

func (v *Version) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*v = Version{Name: name}
		return nil
	}

	var obj struct {
		Name string          `json:"name"`
		Code json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("version must be a string or {name, code} object: %w", err)
	}
	*v = Version{Name: obj.Name}
	if len(obj.Code) > 0 && string(obj.Code) != "null" {
		code, err := parseVersionCode(obj.Code)
		if err != nil {
			return err
		}
		v.Code = code
		v.HasCode = true
	}
	return nil
}

func (v Version) MarshalJSON() ([]byte, error) {
	if !v.HasCode {
		return json.Marshal(v.Name)
	}
	return json.Marshal(struct {
		Name string `json:"name"`
		Code int    `json:"code"`
	}{v.Name, v.Code})
}

func parseVersionCode(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("version code must be an integer")
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("version code must be an integer: %w", err)
	}
	return n, nil
}

type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Package is the immutable parsed manifest of a bundle.
type Package struct {
	FormatVersion      string            `json:"format_version"`
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Version            Version           `json:"version"`
	Platform           string            `json:"platform"`
	MinPlatformVersion string            `json:"min_platform_version"`
	CodeType           CodeType          `json:"code_type"`
	EntryPoint         string            `json:"entry_point"`
	Description        string            `json:"description,omitempty"`
	Author             *Author           `json:"author,omitempty"`
	Icon               string            `json:"icon,omitempty"`
	Splash             string            `json:"splash,omitempty"`
	Permissions        []string          `json:"permissions,omitempty"`
	Dependencies       []Dependency      `json:"dependencies,omitempty"`
	Sandbox            *policy.Overrides `json:"sandbox,omitempty"`

	// EntryPath is the archive member holding the entry point.
	EntryPath      string `json:"-"`
	HasSignature   bool   `json:"-"`
	HasCertificate bool   `json:"-"`
}

// Limits resolves the package's resource limits against defaults.
func (p *Package) Limits(defaults policy.ResourceLimits) policy.ResourceLimits {
	return p.Sandbox.Apply(defaults)
}

// EntryCandidates lists the archive members that may hold the entry point,
// in lookup order.
func (p *Package) EntryCandidates() []string {
	entry := pathutil.NormalizeMember(p.EntryPoint)
	if entry == "" {
		return nil
	}
	if strings.HasPrefix(entry, CodeDir) {
		return []string{entry}
	}
	return []string{entry, CodeDir + entry}
}

// ParseManifest decodes and validates manifest bytes. Comments and trailing
// commas are tolerated.
func ParseManifest(data []byte) (*Package, error) {
	clean := jsonc.ToJSON(data)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(clean, &fields); err != nil {
		return nil, &Error{Kind: KindMalformedManifest, Err: err}
	}
	if fields == nil {
		return nil, &Error{Kind: KindMalformedManifest, Err: fmt.Errorf("manifest is not an object")}
	}

	for _, name := range requiredFields {
		if isAbsent(fields[name]) {
			return nil, &Error{Kind: KindMissingField, Field: name}
		}
	}

	var pkg Package
	if err := json.Unmarshal(clean, &pkg); err != nil {
		return nil, &Error{Kind: KindMalformedManifest, Err: err}
	}
	if strings.TrimSpace(pkg.Version.Name) == "" {
		return nil, &Error{Kind: KindMissingField, Field: "version"}
	}

	pkg.normalizePaths()
	return &pkg, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null" || trimmed == `""`
}

func (p *Package) normalizePaths() {
	p.EntryPoint = pathutil.NormalizeMember(p.EntryPoint)
	p.Icon = pathutil.NormalizeMember(p.Icon)
	p.Splash = pathutil.NormalizeMember(p.Splash)
}
