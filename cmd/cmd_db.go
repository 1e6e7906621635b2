package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sqljin/sqljin/auth"
)

// dbCmd creates the db command
func dbCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the control-plane tables",
		Long: `Run the SQL migration files found under <config path>/migrations
in lexical order against the main database.`,
		Run: cmdDBSetup,
	}
	c.AddCommand(setupCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the database with demo modules, endpoints and a client",
		Run:   cmdDBSeed,
	}
	c.AddCommand(seedCmd)

	return c
}

// cmdDBSetup runs the migration files against the main database
func cmdDBSetup(cmd *cobra.Command, args []string) {
	setup(cpath)
	initDB()

	dir := filepath.Join(conf.ConfigPath, "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("Failed to read migrations directory: %s", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if len(files) == 0 {
		log.Fatalf("No migration files found in %s", dir)
	}

	ctx := context.Background()
	for _, name := range files {
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Fatalf("Failed to read migration %s: %s", name, err)
		}

		if err := runMigration(ctx, string(body)); err != nil {
			log.Fatalf("Migration %s failed: %s", name, err)
		}
		log.Infof("Applied migration: %s", name)
	}

	log.Infof("Database setup complete")
}

// runMigration executes the statements of one migration file inside a
// transaction.
func runMigration(ctx context.Context, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Warnf("Rollback failed: %s", rbErr)
			}
			return errors.Wrapf(err, "statement: %.80s", stmt)
		}
	}

	return errors.Wrap(tx.Commit(), "commit")
}

// splitStatements splits a migration file into single statements on
// semicolons at line ends. The schema files carry no procedure bodies
// so this is enough.
func splitStatements(body string) []string {
	var stmts []string
	var b strings.Builder

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		b.WriteString(line)
		b.WriteString("\n")

		if strings.HasSuffix(trimmed, ";") {
			stmts = append(stmts, b.String())
			b.Reset()
		}
	}

	if s := strings.TrimSpace(b.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

// cmdDBSeed fills the control-plane tables with demo data
func cmdDBSeed(cmd *cobra.Command, args []string) {
	setup(cpath)
	initDB()

	ctx := context.Background()
	gofakeit.Seed(0)

	moduleID := uuid.NewString()
	mustExec(ctx,
		`INSERT INTO api_module (id, name, path_prefix, description, active, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		moduleID, "Demo Shop", "/shop/", "Demo module created by db seed", true, 0)

	endpoints := []struct {
		name, pattern, method, kind, content string
	}{
		{
			"ping", "ping", "GET", "script",
			`function execute(req) {
  return { success: true, message: "pong", data: [] };
}`,
		},
		{
			"list-products", "products", "GET", "sql",
			"SELECT id, name, price FROM product ORDER BY name LIMIT 50",
		},
		{
			"get-product", "products/{id}", "GET", "sql",
			"SELECT id, name, price FROM product WHERE id = :id",
		},
	}

	for i, e := range endpoints {
		epID := uuid.NewString()
		mustExec(ctx,
			`INSERT INTO api_assignment
			   (id, module_id, name, path_pattern, http_method, engine_kind,
			    datasource_id, published, access_type, rate_limit_per_minute,
			    close_after_each_execute, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
			epID, moduleID, e.name, e.pattern, e.method, e.kind,
			true, "public", 0, false, i)

		mustExec(ctx,
			`INSERT INTO api_context (id, api_assignment_id, content)
			 VALUES (?, ?, ?)`,
			uuid.NewString(), epID, e.content)
	}

	clientID := gofakeit.Username()
	clientSecret := gofakeit.Password(true, true, true, false, false, 24)

	hash, err := auth.HashSecret(clientSecret)
	if err != nil {
		log.Fatalf("Failed to hash client secret: %s", err)
	}

	mustExec(ctx,
		`INSERT INTO app_client
		   (id, client_id, client_secret_hash, name, active,
		    rate_limit_per_minute, max_concurrent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), clientID, hash, gofakeit.Company(), true, 0, 0)

	log.Infof("Seeded demo module with %d endpoints", len(endpoints))
	fmt.Println()
	fmt.Println("Demo client credentials (store the secret now, it is only shown once)")
	fmt.Printf("  client_id:     %s\n", clientID)
	fmt.Printf("  client_secret: %s\n", clientSecret)
	fmt.Println()
}

// mustExec runs one insert, rebinding placeholders for postgres.
func mustExec(ctx context.Context, query string, args ...interface{}) {
	if conf.DB.Type == "postgres" {
		var b strings.Builder
		n := 0
		for _, r := range query {
			if r == '?' {
				n++
				b.WriteString("$" + strconv.Itoa(n))
			} else {
				b.WriteRune(r)
			}
		}
		query = b.String()
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		log.Fatalf("Seed insert failed: %s", err)
	}
}
