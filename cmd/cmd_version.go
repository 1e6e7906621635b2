package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// versionCmd prints the build details
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "sqljin binary version information",
		Run:   cmdVersion,
	}
}

func cmdVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("%s\n", BuildDetails())
}

// BuildDetails returns the build details
func BuildDetails() string {
	if version == "" {
		return `
sqljin (unversioned build)
For documentation, visit https://github.com/sqljin/sqljin

To build with version information please use the Makefile
> git clone https://github.com/sqljin/sqljin
> cd sqljin && make build

Licensed under the Apache Public License 2.0
Copyright 2026, the sqljin authors
`
	}

	return fmt.Sprintf(`
sqljin %v
For documentation, visit https://github.com/sqljin/sqljin

Commit SHA-1          : %v
Commit timestamp      : %v
Go version            : %v

Licensed under the Apache Public License 2.0
Copyright 2026, the sqljin authors
`,
		version,
		commit,
		date,
		runtime.Version())
}
