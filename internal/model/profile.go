package model

import (
	"regexp"
	"time"
)

// ProfileIDPattern is the shape a profile_id must match per spec §3.
var ProfileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// FileOverlay places a single host file into the staged image tree.
type FileOverlay struct {
	Source string `json:"source" yaml:"source"`
	Dest   string `json:"dest" yaml:"dest"`
	Mode   string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Owner  string `json:"owner,omitempty" yaml:"owner,omitempty"` // "uid:gid" or a bare uid; numeric ids only, names are not resolved
}

// Policy captures the filesystem/kernel/rootfs preferences of §3.
type Policy struct {
	FilesystemPreference string `json:"filesystem_preference,omitempty" yaml:"filesystem_preference,omitempty"`
	IncludeKernelSymbols bool   `json:"include_kernel_symbols,omitempty" yaml:"include_kernel_symbols,omitempty"`
	StripDebug           bool   `json:"strip_debug,omitempty" yaml:"strip_debug,omitempty"`
	AutoResizeRootfs     bool   `json:"auto_resize_rootfs,omitempty" yaml:"auto_resize_rootfs,omitempty"`
	AllowSnapshot        bool   `json:"allow_snapshot,omitempty" yaml:"allow_snapshot,omitempty"`
}

// BuildDefaults captures the per-profile build switches of §3.
type BuildDefaults struct {
	RebuildIfCached bool `json:"rebuild_if_cached,omitempty" yaml:"rebuild_if_cached,omitempty"`
	Initramfs       bool `json:"initramfs,omitempty" yaml:"initramfs,omitempty"`
	KeepBuildDir    bool `json:"keep_build_dir,omitempty" yaml:"keep_build_dir,omitempty"`
}

// ImageBuilderOptions captures the image-builder-facing knobs of §3.
type ImageBuilderOptions struct {
	OutputDir             string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	ExtraImageName        string   `json:"extra_image_name,omitempty" yaml:"extra_image_name,omitempty"`
	DisabledServices      []string `json:"disabled_services,omitempty" yaml:"disabled_services,omitempty"`
	RootfsPartSizeMB      int      `json:"rootfs_partsize_mb,omitempty" yaml:"rootfs_partsize_mb,omitempty"`
	EmbedLocalSigningKey  bool     `json:"embed_local_signing_key,omitempty" yaml:"embed_local_signing_key,omitempty"`
}

// Profile is the immutable logical recipe of spec §3.
type Profile struct {
	ID          string `json:"profile_id" yaml:"profile_id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	DeviceLabel string `json:"device_label,omitempty" yaml:"device_label,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Release   string `json:"release" yaml:"release"`
	Target    string `json:"target" yaml:"target"`
	Subtarget string `json:"subtarget" yaml:"subtarget"`
	BuilderProfileName string `json:"builder_profile_name" yaml:"builder_profile_name"`

	AdditivePackages    []string `json:"additive_packages,omitempty" yaml:"additive_packages,omitempty"`
	SubtractivePackages []string `json:"subtractive_packages,omitempty" yaml:"subtractive_packages,omitempty"`

	Overlays    []FileOverlay `json:"overlays,omitempty" yaml:"overlays,omitempty"`
	OverlayDir  string        `json:"overlay_dir,omitempty" yaml:"overlay_dir,omitempty"`

	Policy        Policy              `json:"policy,omitempty" yaml:"policy,omitempty"`
	BuildDefaults BuildDefaults       `json:"build_defaults,omitempty" yaml:"build_defaults,omitempty"`
	ImageBuilder  ImageBuilderOptions `json:"image_builder,omitempty" yaml:"image_builder,omitempty"`

	// Version increments every time a mutation produces a new record; the
	// observable content of a given version never changes (spec §3 invariant).
	Version   int       `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the profile_id pattern and the fields the core depends on
// for deterministic hashing; it does not validate on-disk YAML/JSON shape,
// which is internal/profileio's job.
func (p *Profile) Validate() *Error {
	if !ProfileIDPattern.MatchString(p.ID) {
		return Validation("profile_id must match [A-Za-z0-9_.-]+", nil).WithDetail("profile_id", p.ID)
	}
	if p.Release == "" || p.Target == "" || p.Subtarget == "" {
		return Validation("release, target and subtarget are required", nil)
	}
	if p.BuilderProfileName == "" {
		return Validation("builder_profile_name is required", nil)
	}
	for _, ov := range p.Overlays {
		if len(ov.Dest) == 0 || ov.Dest[0] != '/' {
			return Validation("overlay dest must be an absolute in-image path", nil).WithDetail("dest", ov.Dest)
		}
	}
	return nil
}
