package main

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/sqljin/sqljin/serv"
)

// schemaCmd dumps the JSON schema of the config file format
func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for the config file",
		Run:   cmdSchema,
	}
}

func cmdSchema(cmd *cobra.Command, args []string) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}

	s := r.Reflect(&serv.Config{})

	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		log.Fatalf("Failed to generate schema: %s", err)
	}
	fmt.Println(string(out))
}
