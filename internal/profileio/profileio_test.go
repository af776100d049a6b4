package profileio

import (
	"strings"
	"testing"

	"github.com/aparcar/firmwareforge/internal/model"
)

func validProfile(id string) *model.Profile {
	return &model.Profile{
		ID:                 id,
		Release:            "23.05.3",
		Target:             "ramips",
		Subtarget:          "mt7621",
		BuilderProfileName: "glinet_gl-mt3000",
		AdditivePackages:   []string{"luci"},
	}
}

func TestDetectFormat(t *testing.T) {
	if got := DetectFormat("profile.json"); got != FormatJSON {
		t.Fatalf("expected json, got %s", got)
	}
	if got := DetectFormat("profile.yaml"); got != FormatYAML {
		t.Fatalf("expected yaml, got %s", got)
	}
	if got := DetectFormat("profile"); got != FormatYAML {
		t.Fatalf("expected yaml default for an unrecognized extension, got %s", got)
	}
}

func TestExportImportYAMLRoundTrip(t *testing.T) {
	p := validProfile("gl-mt3000")
	data, err := Export(p, FormatYAML)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	got, err := Import(data, FormatYAML)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got.ID != p.ID || got.BuilderProfileName != p.BuilderProfileName {
		t.Fatalf("round-tripped profile differs: %+v", got)
	}
}

func TestExportImportJSONRoundTrip(t *testing.T) {
	p := validProfile("gl-mt3000")
	data, err := Export(p, FormatJSON)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	got, err := Import(data, FormatJSON)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if got.ID != p.ID || got.Release != p.Release {
		t.Fatalf("round-tripped profile differs: %+v", got)
	}
}

func TestImportRejectsUnknownField(t *testing.T) {
	data := []byte(`
profile_id: gl-mt3000
release: "23.05.3"
target: ramips
subtarget: mt7621
builder_profile_name: glinet_gl-mt3000
bogus_field: true
`)
	_, err := Import(data, FormatYAML)
	if err == nil {
		t.Fatal("expected an error for an unknown field in the source document")
	}
	merr, ok := err.(*model.Error)
	if !ok || merr.Code != model.CodeValidation {
		t.Fatalf("expected a validation *model.Error, got %v", err)
	}
}

func TestImportRejectsInvalidProfile(t *testing.T) {
	data := []byte(`
profile_id: "not a valid id!"
release: "23.05.3"
target: ramips
subtarget: mt7621
builder_profile_name: glinet_gl-mt3000
`)
	_, err := Import(data, FormatYAML)
	if err == nil {
		t.Fatal("expected a validation error for an invalid profile_id")
	}
}

func TestImportAllDecodesMultiDocumentStream(t *testing.T) {
	doc := `
profile_id: a
release: "23.05.3"
target: ramips
subtarget: mt7621
builder_profile_name: device-a
---
profile_id: b
release: "23.05.3"
target: ramips
subtarget: mt7621
builder_profile_name: device-b
`
	got, err := ImportAll(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("expected two profiles a and b in order, got %+v", got)
	}
}

func TestImportAllPropagatesValidationErrorFromOneDocument(t *testing.T) {
	doc := `
profile_id: a
release: "23.05.3"
target: ramips
subtarget: mt7621
builder_profile_name: device-a
---
profile_id: "not valid!"
release: "23.05.3"
target: ramips
subtarget: mt7621
builder_profile_name: device-b
`
	_, err := ImportAll(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected the second document's invalid profile_id to surface as an error")
	}
}
