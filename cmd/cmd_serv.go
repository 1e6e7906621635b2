package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqljin/sqljin/serv"
)

// ANSI color codes
const (
	colorCyan    = "\033[36m"
	colorMagenta = "\033[35m"
	colorReset   = "\033[0m"
)

// printBanner prints the ASCII art banner on startup
func printBanner() {
	// Respect NO_COLOR environment variable for CI environments
	noColor := os.Getenv("NO_COLOR") != ""

	cyan := colorCyan
	magenta := colorMagenta
	reset := colorReset

	if noColor {
		cyan = ""
		magenta = ""
		reset = ""
	}

	// ASCII art with SQL in cyan and JIN in magenta
	banner := fmt.Sprintf(`
%s ███████╗ ██████╗ ██╗     %s%s     ██╗██╗███╗   ██╗%s
%s ██╔════╝██╔═══██╗██║     %s%s     ██║██║████╗  ██║%s
%s ███████╗██║   ██║██║     %s%s     ██║██║██╔██╗ ██║%s
%s ╚════██║██║▄▄ ██║██║     %s%s██   ██║██║██║╚██╗██║%s
%s ███████║╚██████╔╝███████╗%s%s╚█████╔╝██║██║ ╚████║%s
%s ╚══════╝ ╚══▀▀═╝ ╚══════╝%s%s ╚════╝ ╚═╝╚═╝  ╚═══╝%s


`,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
		cyan, reset, magenta, reset,
	)

	fmt.Print(banner)
}

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	c := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the sqljin service",
		Run:     cmdServ,
	}
	return c
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	printBanner()
	setup(cpath)

	sj, err := serv.NewHttpService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}

	if err := sj.Start(); err != nil {
		log.Fatalf("%s", err)
	}
}
