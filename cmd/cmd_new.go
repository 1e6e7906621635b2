package main

import (
	"bytes"
	"crypto/rand"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/gosimple/slug"
	"github.com/spf13/cobra"
)

//go:embed tmpl
var tmplFS embed.FS

// newCmd creates the new app scaffolding command
func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <app-name>",
		Short: "Create a new sqljin app directory",
		Long: `Create a directory named after the app with a conf/ directory
holding dev and prod configs and the schema migrations.`,
		Args: cobra.ExactArgs(1),
		Run:  cmdNew,
	}
}

func cmdNew(cmd *cobra.Command, args []string) {
	appName := args[0]
	appSlug := slug.Make(appName)

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalf("Failed to generate secret: %s", err)
	}

	data := map[string]interface{}{
		"AppName":     appName,
		"AppNameSlug": appSlug,
		"SecretKey":   hex.EncodeToString(secret),
	}

	confPath := filepath.Join(appSlug, "conf")
	if err := os.MkdirAll(filepath.Join(confPath, "migrations"), 0o755); err != nil {
		log.Fatalf("Failed to create app directory: %s", err)
	}

	for _, name := range []string{"dev.yml", "prod.yml"} {
		body, err := renderTemplate("tmpl/"+name, data)
		if err != nil {
			log.Fatalf("Failed to render %s: %s", name, err)
		}
		if err := writeNewFile(filepath.Join(confPath, name), body); err != nil {
			log.Fatalf("%s", err)
		}
	}

	schema, err := tmplFS.ReadFile("tmpl/migrations/001_initial_schema.sql")
	if err != nil {
		log.Fatalf("Failed to read schema template: %s", err)
	}
	if err := writeNewFile(
		filepath.Join(confPath, "migrations", "001_initial_schema.sql"), schema); err != nil {
		log.Fatalf("%s", err)
	}

	log.Infof("App '%s' initialized", appName)
	fmt.Printf(`
Next steps
  cd %s
  createdb %s_development
  sqljin db setup
  sqljin db seed
  sqljin serve
`, appSlug, appSlug)
}

func renderTemplate(name string, data map[string]interface{}) ([]byte, error) {
	body, err := tmplFS.ReadFile(name)
	if err != nil {
		return nil, err
	}

	t, err := template.New(name).Parse(string(body))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNewFile(path string, body []byte) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file: %s", path)
	}
	return os.WriteFile(path, body, 0o600)
}
