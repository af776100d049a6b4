package build

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aparcar/firmwareforge/internal/model"
)

// discoverArtifacts walks outputDir recursively, classifies each regular
// file by filename substring, and fingerprints it (spec §4.4 step 8).
func discoverArtifacts(outputDir string, buildID int64) ([]*model.Artifact, error) {
	var out []*model.Artifact

	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		sum, err := sha256File(path)
		if err != nil {
			return err
		}

		out = append(out, &model.Artifact{
			BuildID:   buildID,
			Kind:      classifyArtifact(d.Name()),
			Filename:  d.Name(),
			RelPath:   relPath,
			SizeBytes: info.Size(),
			SHA256:    sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classifyArtifact classifies a build output file by filename substring
// (spec §4.4 step 8, conservatively per §9(ii): unmatched files fall to
// "other" rather than guessing).
func classifyArtifact(name string) model.ArtifactKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "sysupgrade"):
		return model.ArtifactSysupgrade
	case strings.Contains(lower, "factory"):
		return model.ArtifactFactory
	case strings.Contains(lower, "manifest"):
		return model.ArtifactManifest
	default:
		return model.ArtifactOther
	}
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
