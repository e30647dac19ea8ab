package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/homewalk/tourforge/internal/webp"
)

// runWebP inspects a texture against the lossless-only policy. With
// --to-lossless it re-encodes a lossy file instead of rejecting it.
func runWebP(cmd *cobra.Command, args []string) error {
	enforce, _ := cmd.Flags().GetBool("enforce-lossless")
	losslessPath, _ := cmd.Flags().GetString("to-lossless")

	buf, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	info := webp.Validate(buf)
	fmt.Printf("WebP Inspection: %s\n", args[0])
	fmt.Printf("  Valid:        %v\n", info.IsValid)
	fmt.Printf("  WebP:         %v\n", info.IsWebP)
	fmt.Printf("  Compression:  %s\n", info.CompressionType)
	if info.Width > 0 {
		fmt.Printf("  Dimensions:   %dx%d\n", info.Width, info.Height)
	}
	fmt.Printf("  Size:         %s\n", humanize.Bytes(uint64(len(buf))))
	if info.Err != "" {
		fmt.Printf("  Problem:      %s\n", info.Err)
	}

	if losslessPath != "" {
		out, cerr := webp.ConvertToLossless(buf)
		if cerr != nil {
			return cerr
		}
		if err := os.WriteFile(losslessPath, out, 0o644); err != nil {
			return err
		}
		fmt.Printf("  Transcoded:   %s (%s -> %s)\n", losslessPath,
			humanize.Bytes(uint64(len(buf))), humanize.Bytes(uint64(len(out))))
		return nil
	}

	if enforce {
		if err := webp.EnforceLossless(buf); err != nil {
			fmt.Printf("  Policy:       REJECTED (%s)\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Policy:       accepted\n")
	}
	return nil
}
