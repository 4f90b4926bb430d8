package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/archivio/accessctl"
	"github.com/archivio/accessctl/logger"
	"github.com/archivio/accessctl/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "migrate":
		handleMigrate()
	case "seed":
		handleSeed(false)
	case "reset":
		handleSeed(true)
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "check":
		handleCheck()
	case "test":
		handleTest()
	case "assign":
		handleAssign()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("accessctl - Administration tool for the authorization engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  accessctl migrate <db>                        - Create or upgrade the schema")
	fmt.Println("  accessctl seed <db> [catalog]                 - Apply a catalog (default catalog when omitted)")
	fmt.Println("  accessctl reset <db> [catalog]                - Wipe everything and re-apply a catalog")
	fmt.Println("  accessctl convert <input> <output>            - Convert a catalog between formats")
	fmt.Println("  accessctl validate <file>                     - Validate a catalog file")
	fmt.Println("  accessctl check <file>                        - Compile a role definition and report errors")
	fmt.Println("  accessctl test <db> <uid> <action> [k=v ...]  - Evaluate an authorization request")
	fmt.Println("  accessctl assign <db> <uid> <role> [expires]  - Assign a role to a user")
	fmt.Println()
	fmt.Println("Supported catalog formats: .yaml, .yml, .json, .bin")
}

func fatalf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func openDB(path string) *squealx.DB {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		fatalf("Error opening database: %v", err)
	}
	return squealx.NewDb(sqlDB, "sqlite", "accessctl")
}

func openEngine(path string) *accessctl.Engine {
	db := openDB(path)
	engine, err := accessctl.NewEngine(stores.NewSQLStore(db),
		accessctl.WithLogger(logger.NewPhusluLogger()))
	if err != nil {
		fatalf("Error starting engine: %v", err)
	}
	return engine
}

func handleMigrate() {
	if len(os.Args) < 3 {
		fatalf("Usage: accessctl migrate <db>")
	}
	db := openDB(os.Args[2])
	if err := stores.Migrate(db); err != nil {
		fatalf("Error migrating: %v", err)
	}
	fmt.Println("Schema is up to date")
}

func handleSeed(reset bool) {
	verb := "seed"
	if reset {
		verb = "reset"
	}
	if len(os.Args) < 3 {
		fatalf("Usage: accessctl %s <db> [catalog]", verb)
	}
	db := openDB(os.Args[2])
	if err := stores.Migrate(db); err != nil {
		fatalf("Error migrating: %v", err)
	}
	engine, err := accessctl.NewEngine(stores.NewSQLStore(db),
		accessctl.WithLogger(logger.NewPhusluLogger()))
	if err != nil {
		fatalf("Error starting engine: %v", err)
	}

	cat := accessctl.DefaultCatalog()
	if len(os.Args) > 3 {
		if cat, err = loadCatalog(os.Args[3]); err != nil {
			fatalf("Error loading catalog: %v", err)
		}
	}

	ctx := context.Background()
	if reset {
		err = engine.ResetDefaultSettings(ctx, cat)
	} else {
		err = engine.ApplyCatalog(ctx, cat)
	}
	if err != nil {
		fatalf("Error applying catalog: %v", err)
	}
	fmt.Printf("Catalog applied\n")
	fmt.Printf("  Roles:          %d\n", len(cat.Roles))
	fmt.Printf("  Actions:        %d\n", len(cat.Actions))
	fmt.Printf("  Authorizations: %d\n", len(cat.Authorizations))
}

func handleConvert() {
	if len(os.Args) < 4 {
		fatalf("Usage: accessctl convert <input> <output>")
	}
	cat, err := loadCatalog(os.Args[2])
	if err != nil {
		fatalf("Error loading catalog: %v", err)
	}
	if err := saveCatalog(cat, os.Args[3]); err != nil {
		fatalf("Error saving catalog: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleValidate() {
	if len(os.Args) < 3 {
		fatalf("Usage: accessctl validate <file>")
	}
	cat, err := loadCatalog(os.Args[2])
	if err != nil {
		fatalf("Invalid catalog: %v", err)
	}
	if err := cat.Validate(); err != nil {
		fatalf("Invalid catalog: %v", err)
	}
	fmt.Println("Catalog is valid")
	fmt.Printf("  Version:        %d\n", cat.Version)
	fmt.Printf("  Roles:          %d\n", len(cat.Roles))
	fmt.Printf("  Actions:        %d\n", len(cat.Actions))
	fmt.Printf("  Authorizations: %d\n", len(cat.Authorizations))
}

func handleCheck() {
	if len(os.Args) < 3 {
		fatalf("Usage: accessctl check <file>")
	}
	data, err := os.ReadFile(os.Args[2])
	if err != nil {
		fatalf("Error reading file: %v", err)
	}
	def, err := accessctl.Compile(string(data))
	if err != nil {
		fatalf("Compile error: %v", err)
	}
	fmt.Printf("Definition compiles: %d rule(s), default %s\n", len(def.Rules), verdict(def.DefaultAllow))
}

func handleTest() {
	if len(os.Args) < 5 {
		fatalf("Usage: accessctl test <db> <uid> <action> [k=v ...]")
	}
	engine := openEngine(os.Args[2])

	kwargs := make(map[string]string)
	for _, pair := range os.Args[5:] {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			fatalf("Bad argument %q, want k=v", pair)
		}
		kwargs[k] = v
	}

	user := &accessctl.UserContext{UID: os.Args[3]}
	dec := engine.Authorize(context.Background(), user, os.Args[4], kwargs)
	fmt.Printf("Decision: %s\n", verdict(dec.Granted))
	fmt.Printf("  Reason:  %s\n", dec.Reason)
	if dec.RoleID != 0 {
		fmt.Printf("  Role:    %d\n", dec.RoleID)
	}
	fmt.Printf("  Trace:   %s\n", dec.TraceID)
	if !dec.Granted {
		os.Exit(2)
	}
}

func handleAssign() {
	if len(os.Args) < 5 {
		fatalf("Usage: accessctl assign <db> <uid> <role> [expires]")
	}
	ctx := context.Background()
	store := stores.NewSQLStore(openDB(os.Args[2]))
	engine, err := accessctl.NewEngine(store, accessctl.WithLogger(logger.NewPhusluLogger()))
	if err != nil {
		fatalf("Error starting engine: %v", err)
	}
	role, err := store.GetRoleByName(ctx, os.Args[4])
	if err != nil {
		fatalf("Error resolving role: %v", err)
	}

	var expires time.Time
	if len(os.Args) > 5 {
		if expires, err = date.Parse(os.Args[5]); err != nil {
			fatalf("Bad expiry %q: %v", os.Args[5], err)
		}
	}
	if err := engine.AssignMembership(ctx, os.Args[3], role.ID, expires); err != nil {
		fatalf("Error assigning role: %v", err)
	}
	if expires.IsZero() {
		fmt.Printf("Assigned %s to user %s\n", role.Name, os.Args[3])
	} else {
		fmt.Printf("Assigned %s to user %s until %s\n", role.Name, os.Args[3], expires.Format(time.RFC3339))
	}
}

func verdict(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

func loadCatalog(filename string) (*accessctl.Catalog, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	loader := accessctl.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveCatalog(cat *accessctl.Catalog, filename string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cat.ToYAML()
	case ".json":
		data, err = cat.ToJSON()
	case ".bin":
		data, err = cat.ToBinary()
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
