package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	uploadKey      string
	uploadFilename string
	uploadUser     string
	uploadSegment  string
)

var uploadsCmd = &cobra.Command{
	Use:   "register-upload",
	Short: "Stage the original filename for a blob before uploading it",
	Long: `Stores upload metadata so the job created for the blob carries the
human-chosen filename instead of the generated storage key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		meta, err := c.RegisterUpload(cmd.Context(), uploadKey, uploadFilename, uploadUser, uploadSegment)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(meta)
		}
		fmt.Printf("Registered %s as %q (expires %s)\n", meta.StorageKey, meta.OriginalFilename,
			time.Unix(meta.TTL, 0).Local().Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadsCmd)
	uploadsCmd.Flags().StringVar(&uploadKey, "key", "", "storage key of the blob (required)")
	uploadsCmd.Flags().StringVar(&uploadFilename, "filename", "", "original filename (required)")
	uploadsCmd.Flags().StringVar(&uploadUser, "user", "", "owning user id")
	uploadsCmd.Flags().StringVar(&uploadSegment, "segment", "", "business segment")
	uploadsCmd.MarkFlagRequired("key")
	uploadsCmd.MarkFlagRequired("filename")
}
