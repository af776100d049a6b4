package main

import (
	"fmt"

	"github.com/aparcar/firmwareforge/internal/build"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "build firmware images from profiles",
	}
	cmd.AddCommand(
		newBuildRunCommand(),
		newBuildBatchCommand(),
		newBuildListCommand(),
		newBuildArtifactsCommand(),
	)
	return cmd
}

func buildOptionsFlags(cmd *cobra.Command, opts *build.Options) {
	cmd.Flags().StringSliceVar(&opts.ExtraAdditivePackages, "add-package", nil, "extra package to add; repeat to add more")
	cmd.Flags().StringSliceVar(&opts.ExtraSubtractivePackages, "remove-package", nil, "extra package to remove; repeat to add more")
	cmd.Flags().StringVar(&opts.ImageNameSuffix, "image-name-suffix", "", "override EXTRA_IMAGE_NAME")
	cmd.Flags().StringVar(&opts.BinDirOverride, "bin-dir", "", "override the output directory")
	cmd.Flags().BoolVar(&opts.ForceRebuild, "force", false, "ignore a cached succeeded build for this cache key")
	cmd.Flags().BoolVar(&opts.Initramfs, "initramfs", false, "build an initramfs image")
	cmd.Flags().BoolVar(&opts.DiffDefaultPackages, "diff-default-packages", false, "emit PACKAGES= as a diff against the profile's own default package set")
}

func newBuildRunCommand() *cobra.Command {
	var opts build.Options
	cmd := &cobra.Command{
		Use:   "run <profile-id>",
		Args:  cobra.ExactArgs(1),
		Short: "build or reuse an image for a single profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			rec, err := r.builds.BuildOrReuse(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if rec.CacheHit {
				color.Note.Printf("build %d reused (cache hit), status=%s\n", rec.ID, rec.Status)
			} else {
				color.Success.Printf("build %d finished, status=%s\n", rec.ID, rec.Status)
			}
			return nil
		},
	}
	buildOptionsFlags(cmd, &opts)
	return cmd
}

func newBuildBatchCommand() *cobra.Command {
	var opts build.Options
	var mode string
	var parallelism int
	cmd := &cobra.Command{
		Use:   "batch <profile-id> [profile-id...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "build or reuse images for a selection of profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			results := r.builds.BuildBatch(cmd.Context(), args, build.BatchMode(mode), opts, parallelism)
			failures := 0
			for _, res := range results {
				if res.Err != nil {
					failures++
					color.Danger.Printf("[%d] %s: %v\n", res.QueuePosition, res.ProfileRef, res.Err)
					continue
				}
				color.Success.Printf("[%d] %s: build %d status=%s cache_hit=%t\n", res.QueuePosition, res.ProfileRef, res.Build.ID, res.Build.Status, res.Build.CacheHit)
			}
			if failures > 0 {
				return fmt.Errorf("%d of %d builds failed", failures, len(results))
			}
			return nil
		},
	}
	buildOptionsFlags(cmd, &opts)
	cmd.Flags().StringVar(&mode, "mode", string(build.BestEffort), "fail_fast or best_effort")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "maximum concurrent builds")
	return cmd
}

func newBuildListCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <profile-id>",
		Args:  cobra.ExactArgs(1),
		Short: "list builds for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			builds, err := r.store.BuildsByProfile(args[0], buildStatusOrEmpty(status))
			if err != nil {
				return err
			}
			for _, b := range builds {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%t\n", b.ID, b.Status, b.CacheKey[:12], b.CacheHit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, succeeded, failed)")
	return cmd
}

func newBuildArtifactsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <build-id>",
		Args:  cobra.ExactArgs(1),
		Short: "list artifacts produced by a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			id, err := parseBuildID(args[0])
			if err != nil {
				return err
			}
			artifacts, err := r.store.ArtifactsByBuild(id)
			if err != nil {
				return err
			}
			for _, a := range artifacts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\n", a.Kind, a.Filename, a.SizeBytes, a.SHA256)
			}
			return nil
		},
	}
}
