// Anchorpipe CLI: manage repository secrets and submit test reports
//
// Usage:
//
//	anchorpipe login --server https://anchorpipe.example.com
//	anchorpipe secret create --repo <uuid> --name ci
//	anchorpipe parse --framework junit --file report.xml
//	anchorpipe submit --repo <uuid> --commit <sha> --run 42 --framework jest --artifact results.json
package main

import (
	"fmt"
	"os"

	"github.com/anchorpipe/anchorpipe-sub000/cmd/anchorpipe/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
