package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardlens/cardlens/internal/domain/phash"
)

// newHashCmd is a local debugging aid: hash card photos without a
// running service and compare two of them.
func newHashCmd() *cobra.Command {
	var compare string

	cmd := &cobra.Command{
		Use:   "hash <image>",
		Short: "Print the perceptual hash of an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := hashFile(args[0])
			if err != nil {
				return err
			}
			if compare == "" {
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			}
			other, err := hashFile(compare)
			if err != nil {
				return err
			}
			dist, err := phash.HammingDistance(hash, other)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\ndistance=%d/%d\n", hash, other, dist, phash.HashBits)
			return nil
		},
	}
	cmd.Flags().StringVar(&compare, "compare", "", "Second image to hash and compare against")
	return cmd
}

func hashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return phash.Hash(raw)
}
