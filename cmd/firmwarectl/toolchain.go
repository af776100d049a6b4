package main

import (
	"fmt"
	"time"

	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/aparcar/firmwareforge/internal/toolchain"
	"github.com/gookit/color"
	"github.com/spf13/cobra"
)

func newToolchainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolchain",
		Short: "manage cached external-builder toolchains",
	}
	cmd.AddCommand(
		newToolchainEnsureCommand(),
		newToolchainListCommand(),
		newToolchainPruneCommand(),
	)
	return cmd
}

func newToolchainEnsureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure <release> <target> <subtarget>",
		Args:  cobra.ExactArgs(3),
		Short: "download and extract a toolchain if it isn't already ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			key := model.ToolchainKey{Release: args[0], Target: args[1], Subtarget: args[2]}
			inst, err := r.toolchains.Ensure(cmd.Context(), key)
			if err != nil {
				return err
			}
			color.Success.Printf("%s ready at %s\n", key, inst.ExtractedRoot)
			return nil
		},
	}
	return cmd
}

func newToolchainListCommand() *cobra.Command {
	var filter toolchain.ToolchainFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list cached toolchains",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			list, err := r.toolchains.List(&filter)
			if err != nil {
				return err
			}
			for _, t := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ToolchainKey, t.State, t.LastUsedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Release, "release", "", "filter by release")
	cmd.Flags().StringVar(&filter.Target, "target", "", "filter by target")
	return cmd
}

func newToolchainPruneCommand() *cobra.Command {
	var olderThanDays int
	var unusedOnly bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "remove broken/deprecated or stale toolchains",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
			pruned, err := r.toolchains.Prune(cutoff, unusedOnly)
			if err != nil {
				return err
			}
			for _, t := range pruned {
				color.Note.Printf("pruned %s\n", t.ToolchainKey)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d toolchains\n", len(pruned))
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "age threshold in days for --unused-only")
	cmd.Flags().BoolVar(&unusedOnly, "unused-only", false, "also prune ready toolchains unused since the age threshold")
	return cmd
}
