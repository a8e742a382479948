// Command authzctl works with authorization config files: validation,
// format conversion, statistics, loading into stores and ad-hoc access
// checks against a loaded configuration.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/squealx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rentora/authz"
	"github.com/rentora/authz/logger"
	"github.com/rentora/authz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate(os.Args[2:])
	case "convert":
		handleConvert(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "apply":
		handleApply(os.Args[2:])
	case "check":
		handleCheck(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Println("authzctl - authorization configuration tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  authzctl validate <file>                 - Validate a configuration file")
	fmt.Println("  authzctl convert <input> <output>        - Convert between formats")
	fmt.Println("  authzctl stats <file>                    - Show configuration statistics")
	fmt.Println("  authzctl apply <file> [flags]            - Load configuration into stores")
	fmt.Println("  authzctl check <file> [flags]            - Evaluate one request against a config")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .azc, .bin")
	fmt.Println()
	fmt.Println("apply flags:")
	fmt.Println("  --db <dsn>     sqlite database to apply into (default: in-memory stores)")
	fmt.Println("  --log <name>   logger backend: phuslu, zap, slog, none (default none)")
	fmt.Println()
	fmt.Println("check flags:")
	fmt.Println("  --tenant, --user, --action, --resource (type or type:id)   required")
	fmt.Println("  --type, --roles, --orgs, --owner, --org, --ip              optional")
	fmt.Println("  --log <name>   logger backend: phuslu, zap, slog, none (default none)")
	fmt.Println()
	fmt.Println("check exits 0 on allow, 1 on deny, 2 on error.")
}

func fatalf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(2)
}

func handleValidate(args []string) {
	if len(args) < 1 {
		fatalf("Usage: authzctl validate <file>")
	}
	cfg, err := authz.NewConfigLoader().LoadFile(args[0])
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	fmt.Println("Configuration is valid")
	fmt.Printf("  Version:     %d\n", cfg.Version)
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}

func handleConvert(args []string) {
	if len(args) < 2 {
		fatalf("Usage: authzctl convert <input> <output>")
	}
	inputFile, outputFile := args[0], args[1]

	cfg, err := authz.NewConfigLoader().LoadFile(inputFile)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := saveConfig(cfg, outputFile); err != nil {
		fatalf("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func saveConfig(cfg *authz.Config, filename string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".azc", ".bin":
		data, err = authz.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func handleStats(args []string) {
	if len(args) < 1 {
		fatalf("Usage: authzctl stats <file>")
	}
	filename := args[0]
	cfg, err := authz.NewConfigLoader().LoadFile(filename)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat, err := os.Stat(filename); err == nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allowRules, denyRules, conditioned := 0, 0, 0
		for _, p := range cfg.Policies {
			for _, r := range p.Rules {
				if r.Effect == authz.EffectAllow {
					allowRules++
				} else {
					denyRules++
				}
				if r.Conditions != nil && !r.Conditions.Empty() {
					conditioned++
				}
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow rules:       %d\n", allowRules)
		fmt.Printf("  Deny rules:        %d\n", denyRules)
		fmt.Printf("  Conditional rules: %d\n", conditioned)
		fmt.Println()
	}

	if len(cfg.Roles) > 0 {
		totalPerms, inheriting := 0, 0
		for _, r := range cfg.Roles {
			totalPerms += len(r.Permissions)
			if len(r.InheritsFrom) > 0 {
				inheriting++
			}
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Total permissions: %d\n", totalPerms)
		fmt.Printf("  Avg per role:      %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Printf("  Inheriting roles:  %d\n", inheriting)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Permission TTL:        %dms\n", cfg.Engine.PermissionTTLMs)
	fmt.Printf("  Max inheritance depth: %d\n", cfg.Engine.MaxInheritanceDepth)
	fmt.Printf("  Batch worker count:    %d\n", cfg.Engine.BatchWorkerCount)
}

func handleApply(args []string) {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	dbDSN := fs.String("db", "", "sqlite database to apply into")
	logName := fs.String("log", "none", "logger backend: phuslu, zap, slog, none")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("Usage: authzctl apply <file> [--db dsn] [--log name]")
	}

	cfg, err := authz.NewConfigLoader().LoadFile(fs.Arg(0))
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	log, closeLog, err := buildLogger(*logName)
	if err != nil {
		fatalf("Error building logger: %v", err)
	}
	defer closeLog()

	engine, closeDB, err := buildEngine(*dbDSN, log)
	if err != nil {
		fatalf("Error building engine: %v", err)
	}
	defer closeDB()
	defer engine.Close()

	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fatalf("Error applying config: %v", err)
	}

	fmt.Println("Configuration applied successfully")
	fmt.Printf("  Roles loaded:       %d\n", len(cfg.Roles))
	fmt.Printf("  Policies loaded:    %d\n", len(cfg.Policies))
	fmt.Printf("  Assignments loaded: %d\n", len(cfg.Assignments))
	if *dbDSN != "" {
		fmt.Printf("  Database:           %s\n", *dbDSN)
	}
}

func handleCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	user := fs.String("user", "", "user id")
	userType := fs.String("type", "", "user type (ADMIN, STAFF, CUSTOMER, SERVICE)")
	roles := fs.String("roles", "", "comma-separated role ids")
	orgs := fs.String("orgs", "", "comma-separated organization ids")
	action := fs.String("action", "", "action name")
	resource := fs.String("resource", "", "resource, type or type:id")
	owner := fs.String("owner", "", "resource owner user id")
	org := fs.String("org", "", "resource organization id")
	ip := fs.String("ip", "", "request ip")
	logName := fs.String("log", "none", "logger backend: phuslu, zap, slog, none")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatalf("Usage: authzctl check <file> --tenant t --user u --action a --resource r [flags]")
	}
	if *tenant == "" || *user == "" || *action == "" || *resource == "" {
		fatalf("check requires --tenant, --user, --action and --resource")
	}

	cfg, err := authz.NewConfigLoader().LoadFile(fs.Arg(0))
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	log, closeLog, err := buildLogger(*logName)
	if err != nil {
		fatalf("Error building logger: %v", err)
	}
	defer closeLog()

	engine, closeDB, err := buildEngine("", log)
	if err != nil {
		fatalf("Error building engine: %v", err)
	}
	defer closeDB()
	defer engine.Close()

	ctx := context.Background()
	if err := engine.ApplyConfig(ctx, cfg); err != nil {
		fatalf("Error applying config: %v", err)
	}

	q := &authz.ExplainRequest{
		Tenant:   *tenant,
		UserID:   *user,
		UserType: *userType,
		RoleIDs:  splitList(*roles),
		OrgIDs:   splitList(*orgs),
		Action:   *action,
		Resource: *resource,
		OwnerID:  *owner,
		OrgID:    *org,
		IP:       *ip,
	}
	explanation, err := engine.ExplainCompact(ctx, q)
	if err != nil {
		fatalf("Error evaluating request: %v", err)
	}
	for _, line := range explanation.Lines {
		fmt.Println(line)
	}
	if !explanation.Decision.Allowed {
		os.Exit(1)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildLogger returns the selected logger backend and a flush function.
func buildLogger(name string) (logger.Logger, func(), error) {
	noop := func() {}
	switch strings.ToLower(name) {
	case "phuslu":
		return logger.NewPhusluLogger(), noop, nil
	case "zap":
		zl, err := zap.NewProduction()
		if err != nil {
			return nil, noop, err
		}
		return logger.NewZapLogger(zl), func() { _ = zl.Sync() }, nil
	case "slog":
		return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil))), noop, nil
	case "none", "":
		return logger.NewNullLogger(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown logger %q", name)
	}
}

// buildEngine wires stores for the engine: sqlite-backed when dsn is set,
// in-memory otherwise.
func buildEngine(dsn string, log logger.Logger) (*authz.Engine, func(), error) {
	noop := func() {}
	if dsn == "" {
		engine := authz.New(
			stores.NewMemoryPolicyStore(),
			stores.NewMemoryRoleStore(),
			authz.WithAssignments(stores.NewMemoryAssignmentStore()),
			authz.WithLogger(log),
		)
		return engine, noop, nil
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, noop, fmt.Errorf("open sqlite: %w", err)
	}
	db := squealx.NewDb(sqlDB, "sqlite", "authzdb")
	if err := stores.Migrate(db); err != nil {
		sqlDB.Close()
		return nil, noop, err
	}
	engine := authz.New(
		stores.NewSQLPolicyStore(db),
		stores.NewSQLRoleStore(db),
		authz.WithAssignments(stores.NewSQLAssignmentStore(db)),
		authz.WithAuditSink(stores.NewSQLAuditStore(db)),
		authz.WithLogger(log),
	)
	return engine, func() { sqlDB.Close() }, nil
}
