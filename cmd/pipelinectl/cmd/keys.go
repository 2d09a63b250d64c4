package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/media-pipeline/pkg/auth"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Create API keys and their bcrypt hashes",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new random API key and its hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		hash, err := auth.HashKey(key)
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(map[string]string{"key": key, "hash": hash})
		}
		fmt.Printf("Key:  %s\nHash: %s\n\nAdd the hash to server.api_key_hashes; hand the key to the client.\n", key, hash)
		return nil
	},
}

var keysHashCmd = &cobra.Command{
	Use:   "hash [key]",
	Short: "Hash an existing key (reads stdin when no argument is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read key: %w", err)
			}
			key = strings.TrimSpace(line)
		}
		if key == "" {
			return fmt.Errorf("key must not be empty")
		}

		hash, err := auth.HashKey(key)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysHashCmd)
}
