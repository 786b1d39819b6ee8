package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/scm-target-importer/pkg/manifests"
	"github.com/spf13/cobra"
)

func newManifestsCmd() *cobra.Command {
	var (
		types        []string
		entitlements []string
		listTypes    bool
	)

	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "Print the manifest file patterns that can be imported from source control.",
		Long: `Prints one manifest pattern per line. Patterns of entitlement-gated project
types (dockerfile, infrastructure as code) are only listed when the
entitlement is passed with --entitlements.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listTypes {
				return printLines(cmd.OutOrStdout(), manifests.SupportedProjectTypes())
			}
			return runManifests(cmd.OutOrStdout(), types, entitlements)
		},
	}

	cmd.Flags().StringSliceVar(&types, "types", nil, "project types to include (default: all supported)")
	cmd.Flags().StringSliceVar(&entitlements, "entitlements", nil, "entitlements granted to the organization")
	cmd.Flags().BoolVar(&listTypes, "list-types", false, "print supported project type names instead of patterns")

	return cmd
}

func runManifests(w io.Writer, types, entitlements []string) error {
	for _, name := range types {
		pt, ok := manifests.Lookup(name)
		if !ok {
			return fmt.Errorf("unknown project type %q (supported: %s)",
				name, strings.Join(manifests.SupportedProjectTypes(), ", "))
		}
		if !pt.Supported {
			return fmt.Errorf("project type %q cannot be imported from source control", name)
		}
	}
	return printLines(w, manifests.SCMSupportedManifests(types, entitlements))
}

func printLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
