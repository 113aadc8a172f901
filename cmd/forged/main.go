package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mindburn-labs/forge/pkg/audit"
	"github.com/mindburn-labs/forge/pkg/config"
	"github.com/mindburn-labs/forge/pkg/forge"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/kms"
	"github.com/mindburn-labs/forge/pkg/manifest"
	"github.com/mindburn-labs/forge/pkg/observability"
	"github.com/mindburn-labs/forge/pkg/ports"
	"github.com/mindburn-labs/forge/pkg/rollout"
	"github.com/mindburn-labs/forge/pkg/storage"
)

// ANSI colors, matched to the kernel CLI's own palette.
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorBlue   = "\033[34m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorGray   = "\033[37m"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can replace it.
var startServer = runServer

// Run is the CLI entrypoint, split out from main for testability.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "activate":
		return runActivateCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "kms":
		return runKMSCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sforge%s - hot-pluggable module lifecycle controller\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  forged <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server     Run the activation/namespace HTTP admin server (default)")
	fmt.Fprintln(w, "  activate   Activate a module definition (--manifest, --tenant)")
	fmt.Fprintln(w, "  health     Check server health over HTTP")
	fmt.Fprintln(w, "  kms        Seal/rotate the Postgres DSN secret (seal|rotate)")
	fmt.Fprintln(w, "  help       Show this help")
	fmt.Fprintln(w, "")
}

// runKMSCmd provisions the sealed DSN (DATABASE_DSN_SEALED) a deployment's
// config carries instead of a plaintext DATABASE_URL: "seal" wraps a plaintext connection
// string under the vault's active key, "rotate" advances to a new key
// version without invalidating DSNs already sealed under an older one.
func runKMSCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("kms", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var keystorePath string
	cmd.StringVar(&keystorePath, "keystore", getEnv("FORGE_KEYSTORE", "forge-keystore.json"), "Path to the DSN keystore")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	rest := cmd.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "Error: kms requires a subcommand: seal <dsn> | rotate")
		return 2
	}

	vault, err := kms.Open(keystorePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening keystore: %v\n", err)
		return 1
	}

	switch rest[0] {
	case "seal":
		if len(rest) != 2 {
			fmt.Fprintln(stderr, "Error: usage: kms seal <dsn>")
			return 2
		}
		sealed, err := vault.Seal(rest[1])
		if err != nil {
			fmt.Fprintf(stderr, "Error sealing dsn: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, sealed)
		return 0
	case "rotate":
		version, err := vault.Rotate()
		if err != nil {
			fmt.Fprintf(stderr, "Error rotating key: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%sactive key version now v%d%s\n", ColorGreen, version, ColorReset)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown kms subcommand: %s\n", rest[0])
		return 2
	}
}

// runActivateCmd loads a manifest off disk and drives one Activate call
// against a freshly wired, short-lived Forge instance — a thin CLI path
// for operators testing a definition before wiring it into the running
// server's own admin API.
func runActivateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("activate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifestPath string
		tenant       string
		strategyKind string
	)
	cmd.StringVar(&manifestPath, "manifest", "", "Path to the module definition (REQUIRED)")
	cmd.StringVar(&tenant, "tenant", "", "Tenant id (REQUIRED)")
	cmd.StringVar(&strategyKind, "strategy", "gradual", "Rollout strategy: instant|gradual|blue_green")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if manifestPath == "" || tenant == "" {
		fmt.Fprintln(stderr, "Error: --manifest and --tenant are required")
		cmd.Usage()
		return 2
	}

	def, err := manifest.LoadDefinition(manifestPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading manifest: %v\n", err)
		return 1
	}

	ctx := context.Background()
	cfg := config.Load()
	f, err := forge.New(ctx, cfg, forge.Deps{Router: &logRouter{out: stdout}})
	if err != nil {
		fmt.Fprintf(stderr, "Error constructing forge: %v\n", err)
		return 1
	}

	strategy := rollout.Config{Kind: rollout.Kind(strategyKind), Gradual: rollout.DefaultGradual}
	scope := forgeid.Scope{Module: def.ID, Tenant: forgeid.TenantID(tenant)}
	result := f.Activate(ctx, scope, def, strategy)

	if !result.Success {
		for _, e := range result.Errors {
			fmt.Fprintf(stderr, "activation failed: %s: %s\n", e.Kind, e.Message)
		}
		return 1
	}
	fmt.Fprintf(stdout, "%s%s@%s activated for tenant %s%s\n", ColorGreen, def.ID, def.Version, tenant, ColorReset)
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

// logRouter is the reference TrafficRouter a host sees out of the box:
// every weight shift is logged, nothing is actually routed. Real
// deployments replace this with a gateway- or service-mesh-backed
// implementation (spec §6 leaves TrafficRouter host-supplied).
type logRouter struct {
	out io.Writer
}

func (l *logRouter) SetWeight(ctx context.Context, module forgeid.ModuleID, tenant forgeid.TenantID, version string, percent int) error {
	fmt.Fprintf(l.out, "[router] %s/%s %s -> %d%%\n", tenant, module, version, percent)
	return nil
}

// runServer boots the long-lived process: storage, crypto, audit,
// observability, and the activation engine, then serves a small admin
// HTTP surface until a shutdown signal arrives.
func runServer() {
	fmt.Fprintf(os.Stdout, "%sforge starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()
	logger := slog.Default()
	cfg := config.Load()

	storageAdapter, db, err := setupStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up storage: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	cryptoProvider, err := forge.NewCryptoProvider(getEnv("FORGE_KEYSTORE", "forge-keystore.json"))
	if err != nil {
		log.Fatalf("Failed to init crypto provider: %v", err)
	}

	auditSink := audit.NewSlogSink(logger)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = getEnv("OTEL_ENABLED", "false") == "true"
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	f, err := forge.New(ctx, cfg, forge.Deps{
		Storage:       storageAdapter,
		Router:        &logRouter{out: os.Stdout},
		AuditSink:     auditSink,
		Crypto:        cryptoProvider,
		Observability: obs,
	})
	if err != nil {
		log.Fatalf("Failed to construct forge: %v", err)
	}

	mux := http.NewServeMux()
	registerAdminRoutes(mux, f)

	go func() {
		addr := getEnv("FORGE_ADDR", ":8080")
		log.Printf("[forge] admin server: %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("[forge] admin server error: %v", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Printf("[forge] health server: :8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[forge] health server error: %v", err)
		}
	}()

	log.Println("[forge] ready")
	log.Println("[forge] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[forge] shutting down")
}

// setupStorage opens Postgres when DATABASE_URL or its sealed counterpart
// DATABASE_DSN_SEALED is set, otherwise falls back to an on-disk SQLite
// file so the binary boots with no external dependencies in dev mode.
func setupStorage(ctx context.Context, cfg *config.Config) (ports.StorageAdapter, *sql.DB, error) {
	if cfg.SealedDatabaseDSN != "" {
		vault, err := kms.Open(getEnv("FORGE_KEYSTORE", "forge-keystore.json"))
		if err != nil {
			return nil, nil, fmt.Errorf("open dsn keystore: %w", err)
		}
		pg, err := storage.NewPostgresFromEncryptedDSN(vault, cfg.SealedDatabaseDSN, "")
		if err != nil {
			return nil, nil, fmt.Errorf("open sealed postgres dsn: %w", err)
		}
		if err := pg.DB().PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return pg, pg.DB(), nil
	}

	if cfg.DatabaseURL == "" {
		db, err := sql.Open("sqlite", getEnv("FORGE_SQLITE_PATH", "forge.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := db.ExecContext(ctx, storage.Schema); err != nil {
			return nil, nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
		return storage.NewSQLite(db, ""), db, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return storage.NewPostgres(db, ""), db, nil
}

// registerAdminRoutes exposes read-only registry (/v1/modules) and
// activation-history (/v1/history) introspection;
// mutating operations (Activate, namespace writes) go through the Go API
// directly, not this HTTP surface, per spec §6's external-interfaces scope.
func registerAdminRoutes(mux *http.ServeMux, f *forge.Forge) {
	mux.HandleFunc("/v1/modules", func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			http.Error(w, "tenant query param required", http.StatusBadRequest)
			return
		}
		entries := f.Registry().List(forgeid.TenantID(tenant))
		writeJSON(w, entries)
	})

	mux.HandleFunc("/v1/history", func(w http.ResponseWriter, r *http.Request) {
		module := r.URL.Query().Get("module")
		tenant := r.URL.Query().Get("tenant")
		if module == "" || tenant == "" {
			http.Error(w, "module and tenant query params required", http.StatusBadRequest)
			return
		}
		scope := forgeid.Scope{Module: forgeid.ModuleID(module), Tenant: forgeid.TenantID(tenant)}
		writeJSON(w, f.History(scope))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
