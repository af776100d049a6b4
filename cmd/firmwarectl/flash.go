package main

import (
	"fmt"
	"time"

	"github.com/aparcar/firmwareforge/internal/flash"
	"github.com/aparcar/firmwareforge/internal/model"
	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newFlashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flash",
		Short: "write a built image to a block device",
	}
	cmd.AddCommand(
		newFlashWriteCommand(),
		newFlashListCommand(),
		newFlashGetCommand(),
	)
	return cmd
}

func newFlashWriteCommand() *cobra.Command {
	var req flash.Request
	var verifyMode string
	cmd := &cobra.Command{
		Use:   "write <source-image> <device-path>",
		Args:  cobra.ExactArgs(2),
		Short: "flash source-image to device-path",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			req.SourcePath = args[0]
			req.DevicePath = args[1]
			req.VerifyMode = model.VerifyMode(verifyMode)

			done := make(chan struct{})
			var rec *model.FlashRecord
			var flashErr error
			go func() {
				rec, flashErr = r.flasher.Flash(req)
				close(done)
			}()

			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("flashing"),
				progressbar.OptionSpinnerType(14),
			)
			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					bar.Finish()
					fmt.Println()
					if flashErr != nil {
						return flashErr
					}
					color.Success.Printf("flash %s succeeded: %d bytes written, verification=%s\n", rec.ID, rec.BytesWritten, rec.VerificationResult)
					return nil
				case <-ticker.C:
					_ = bar.Add(1)
				}
			}
		},
	}
	cmd.Flags().StringVar(&req.ArtifactID, "artifact-id", "", "optional artifact to cross-check source-image against")
	cmd.Flags().StringVar(&verifyMode, "verify-mode", string(model.ModeFull), "full or prefix-N")
	cmd.Flags().BoolVar(&req.Wipe, "wipe", false, "zero the leading signature region before writing")
	cmd.Flags().Int64Var(&req.SignatureRegion, "signature-region", 0, "declared signature region in bytes; --wipe zeroes the larger of this and 8 MiB")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "run preflight checks only, write nothing")
	cmd.Flags().BoolVar(&req.Force, "force", false, "required to perform a non-dry-run flash")
	return cmd
}

func newFlashListCommand() *cobra.Command {
	var status, artifactID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list flash records",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			var flashes []*model.FlashRecord
			if artifactID != "" {
				flashes, err = r.store.FlashesByArtifact(artifactID)
			} else {
				s := status
				if s == "" {
					s = string(model.FlashSucceeded)
				}
				flashes, err = r.store.FlashesByStatus(model.FlashStatus(s))
			}
			if err != nil {
				return err
			}
			for _, f := range flashes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\n", f.ID, f.DevicePath, f.Status, f.BytesWritten)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (default: succeeded)")
	cmd.Flags().StringVar(&artifactID, "artifact-id", "", "filter by source artifact")
	return cmd
}

func newFlashGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <flash-id>",
		Args:  cobra.ExactArgs(1),
		Short: "print a flash record",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRig()
			if err != nil {
				return err
			}
			defer r.store.Close()

			f, err := r.store.GetFlash(args[0])
			if err != nil {
				return err
			}
			if f == nil {
				return model.NotFound("flash record not found", nil).WithDetail("flash_id", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\t%s\n", f.ID, f.DevicePath, f.Status, f.BytesWritten, f.VerificationResult)
			return nil
		},
	}
}
