package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqljin/sqljin/core"
)

// secretCmd groups the secret helper commands
func secretCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "secret",
		Short: "Secret management commands",
	}

	encryptCmd := &cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Encrypt a datasource password with the configured secret key",
		Long: `Encrypt a datasource password so it can be stored in the datasource
table. Reads the plaintext from the argument, or from stdin when no
argument is given.`,
		Args: cobra.MaximumNArgs(1),
		Run:  cmdSecretEncrypt,
	}
	c.AddCommand(encryptCmd)

	return c
}

func cmdSecretEncrypt(cmd *cobra.Command, args []string) {
	setup(cpath)

	var plain string
	if len(args) == 1 {
		plain = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			log.Fatalf("Error reading input: %s", err)
		}
		plain = strings.TrimRight(line, "\r\n")
	}

	enc, err := core.EncryptPassword(conf.SecretKey, plain)
	if err != nil {
		log.Fatalf("Failed to encrypt: %s", err)
	}

	fmt.Println(enc)
}
