package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendergate/rendergate/internal/api"
	"github.com/rendergate/rendergate/internal/notify"
)

var submitContact string

var submitCmd = &cobra.Command{
	Use:   "submit <image>",
	Short: "Queue an image file for rendering",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if len(data) > api.MaxUploadBytes {
			return fmt.Errorf("%s is larger than %d bytes", args[0], api.MaxUploadBytes)
		}
		contentType := http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			return fmt.Errorf("%s is not an image (%s)", args[0], contentType)
		}

		var contact string
		if submitContact != "" {
			if contact, err = notify.Normalize(submitContact, cfg.SMSRegion); err != nil {
				return err
			}
		}

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		blobs, err := openBlobs(cfg)
		if err != nil {
			return err
		}

		id, err := api.Submit(ctx, store, blobs, data, contentType, contact)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitContact, "contact", "", "Phone number to message when the render is ready")
	rootCmd.AddCommand(submitCmd)
}
