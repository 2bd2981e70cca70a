package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginServer string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an operator token for an Anchorpipe server",
	Long: `Store an operator token for an Anchorpipe server. Tokens are issued with
'server -issue-token <name>' and stored in ~/.anchorpipe/token with 0600 permissions.

Example:
  anchorpipe login --server https://anchorpipe.example.com`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginServer, "server", "", "Anchorpipe server URL (e.g. https://anchorpipe.example.com)")
	loginCmd.MarkFlagRequired("server")
}

func runLogin(cmd *cobra.Command, args []string) error {
	server := strings.TrimRight(loginServer, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		return fmt.Errorf("server URL must start with http:// or https://")
	}

	token, err := readSecret("Token: ")
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	client := NewClientWithURL(server)
	client.Token = token
	fmt.Fprintf(cmd.ErrOrStderr(), "Checking %s...\n", server)
	if err := client.Health(); err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	if err := SaveToken(TokenData{Token: token, Server: server}); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ Logged in to %s\n", server)
	return nil
}

// readSecret prompts for a value without echoing input.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	var value string
	if _, err := fmt.Fscanln(os.Stdin, &value); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}
