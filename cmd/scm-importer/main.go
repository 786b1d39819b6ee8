// Command scm-importer bulk-imports source-control targets into the remote
// project-management service.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
