package main

import (
	"fmt"
	"os"

	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/profileio"
	"github.com/aparcar/firmwareforge/internal/store"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "manage build profiles",
	}
	cmd.AddCommand(
		newProfileListCommand(),
		newProfileGetCommand(),
		newProfileImportCommand(),
		newProfileExportCommand(),
		newProfileDeleteCommand(),
	)
	return cmd
}

func newProfileListCommand() *cobra.Command {
	var filter store.ProfileFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			profiles, err := r.store.ListProfiles(&filter)
			if err != nil {
				return err
			}
			for _, p := range profiles {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s/%s/%s\t%s\n", p.ID, p.Release, p.Target, p.Subtarget, p.BuilderProfileName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Release, "release", "", "filter by release")
	cmd.Flags().StringVar(&filter.Target, "target", "", "filter by target")
	cmd.Flags().StringVar(&filter.Subtarget, "subtarget", "", "filter by subtarget")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "filter by tag")
	cmd.Flags().StringVar(&filter.Query, "query", "", "free-text filter over name/description/id")
	return cmd
}

func newProfileGetCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "get <profile-id>",
		Args:  cobra.ExactArgs(1),
		Short: "print a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			p, err := r.store.GetProfile(args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return model.NotFound("profile not found", nil).WithDetail("profile_id", args[0])
			}
			data, err := profileio.Export(p, profileio.Format(format))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", string(profileio.FormatYAML), "output format (yaml or json)")
	return cmd
}

func newProfileImportCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "import <path>",
		Args:  cobra.ExactArgs(1),
		Short: "import a profile document from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open profile file: %w", err)
			}
			defer f.Close()

			if all {
				profiles, err := profileio.ImportAll(f)
				if err != nil {
					return err
				}
				for _, p := range profiles {
					if err := r.store.UpsertProfile(p); err != nil {
						return fmt.Errorf("upsert profile %s: %w", p.ID, err)
					}
					color.Success.Printf("imported %s\n", p.ID)
				}
				return nil
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read profile file: %w", err)
			}
			p, err := profileio.Import(data, profileio.DetectFormat(args[0]))
			if err != nil {
				return err
			}
			if err := r.store.UpsertProfile(p); err != nil {
				return err
			}
			color.Success.Printf("imported %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "import every document in a multi-document YAML stream")
	return cmd
}

func newProfileExportCommand() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <profile-id>",
		Args:  cobra.ExactArgs(1),
		Short: "export a profile to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			p, err := r.store.GetProfile(args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return model.NotFound("profile not found", nil).WithDetail("profile_id", args[0])
			}
			data, err := profileio.Export(p, profileio.Format(format))
			if err != nil {
				return err
			}
			if out == "" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&format, "format", string(profileio.FormatYAML), "output format (yaml or json)")
	cmd.Flags().StringVar(&out, "out", "", "destination file; defaults to stdout")
	return cmd
}

func newProfileDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <profile-id>",
		Args:  cobra.ExactArgs(1),
		Short: "delete a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			if err := r.store.DeleteProfile(args[0]); err != nil {
				return err
			}
			color.Success.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
