package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anchorpipe/anchorpipe-sub000/internal/hmacauth"
)

var (
	signFile      string
	signSecretEnv string
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the request signature for a payload",
	Long: `Compute the hex HMAC-SHA256 signature of a payload file, as sent in the
X-Anchorpipe-Signature header. The secret is read from an environment variable.

Example:
  ANCHORPIPE_SECRET=... anchorpipe sign --file payload.json`,
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signFile, "file", "-", "Payload file, - for stdin")
	signCmd.Flags().StringVar(&signSecretEnv, "secret-env", "ANCHORPIPE_SECRET", "Environment variable holding the secret")
}

func runSign(cmd *cobra.Command, args []string) error {
	secret, err := secretFromEnv(signSecretEnv)
	if err != nil {
		return err
	}
	body, err := readInput(cmd, signFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hmacauth.ComputeSignature(secret, body))
	return nil
}

func secretFromEnv(name string) ([]byte, error) {
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s is not set", name)
	}
	return []byte(v), nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return b, nil
}
