package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"grid/pkg/canonical"
	"grid/pkg/config"
	"grid/pkg/signing"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the server signing key",
		Long: `Create the signing key if it does not exist and print the public key
that peers list for this server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := out
			if path == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.SigningKey
			}
			if path == "" {
				path = filepath.Join(".", "signing.key")
			}

			signer, err := signing.LoadKeyFile(path, true)
			if err != nil {
				return err
			}
			fmt.Println(renderKeyPanel(path, signer.KeyID(), canonical.Encode(signer.PublicKey())))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "key file (defaults to signing_key from the config)")
	return cmd
}
