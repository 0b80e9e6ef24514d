package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tagging-cli/internal/auth"
)

var pinHashCmd = &cobra.Command{
	Use:   "pin-hash [pin]",
	Short: "Print the bcrypt hash of a PIN for the credentials file",
	Long:  "Hashes a PIN given as an argument or on the first line of stdin, for use as pin_hash in the annotators file.",
	Args:  cobra.MaximumNArgs(1),
	// No config or logger needed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		pin, err := readPIN(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		hash, err := auth.HashPIN(pin)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func readPIN(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", eris.Wrap(err, "read pin")
	}
	pin := strings.TrimSpace(line)
	if pin == "" {
		return "", eris.New("pin is required")
	}
	return pin, nil
}

func init() {
	rootCmd.AddCommand(pinHashCmd)
}
