package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/staking"
	"github.com/malbeclabs/stakehouse/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set STAKEHOUSE_POSTGRES_DSN env var)")

	// Migration commands
	migrateFlag := flag.Bool("migrate", false, "run database migrations")
	migrateDownFlag := flag.Bool("migrate-down", false, "roll back the most recent migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show database migration status")

	// Token bootstrap command
	createTokenFlag := flag.Bool("create-token", false, "create a demo token mint on the cluster and mint the initial supply")
	rpcURLFlag := flag.String("rpc-url", solanarpc.DevNet_RPC, "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	adminKeypairFlag := flag.String("admin-keypair", "", "path to the admin keypair file (or set STAKEHOUSE_ADMIN_KEYPAIR env var)")
	decimalsFlag := flag.Uint8("decimals", 0, "token decimals for --create-token")
	initialSupplyFlag := flag.Uint64("initial-supply", 1_000_000, "initial supply minted to the admin for --create-token")
	airdropFlag := flag.Bool("airdrop", false, "request a devnet airdrop for the admin before creating the token")

	// Parameter command, talks to a running controller
	setParametersFlag := flag.Bool("set-parameters", false, "set staking parameters on a running controller")
	serverURLFlag := flag.String("server-url", "http://localhost:8080", "controller base URL (or set STAKEHOUSE_SERVER_URL env var)")
	windowStartFlag := flag.String("window-start", "", "staking window start (RFC3339, empty = now)")
	windowEndFlag := flag.String("window-end", "", "staking window end (RFC3339)")
	windowFlag := flag.Duration("window", 24*time.Hour, "staking window length when --window-end is not given")
	lockDaysFlag := flag.Int("lock-days", 30, "lock duration in days")
	apyFlag := flag.Float64("apy", 0.1, "reward rate as a fraction (0.1 = 10%)")

	flag.Parse()

	if env := os.Getenv("STAKEHOUSE_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_ADMIN_KEYPAIR"); env != "" {
		*adminKeypairFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_SERVER_URL"); env != "" {
		*serverURLFlag = env
	}

	log := logger.New(*verboseFlag)

	if *migrateFlag || *migrateDownFlag || *migrateStatusFlag {
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--postgres-dsn is required for migration commands")
		}
		switch {
		case *migrateFlag:
			return staking.RunMigrations(log, *postgresDSNFlag)
		case *migrateDownFlag:
			return staking.RollbackMigration(log, *postgresDSNFlag)
		default:
			return staking.MigrationStatus(log, *postgresDSNFlag)
		}
	}

	if *createTokenFlag {
		if *adminKeypairFlag == "" {
			return fmt.Errorf("--admin-keypair is required for --create-token")
		}
		admin, err := solana.PrivateKeyFromSolanaKeygenFile(*adminKeypairFlag)
		if err != nil {
			return fmt.Errorf("failed to load admin keypair: %w", err)
		}

		sol, err := ledger.NewSolana(ledger.SolanaConfig{
			Logger: log,
			RPC:    solanarpc.New(*rpcURLFlag),
		})
		if err != nil {
			return err
		}

		ctx := context.Background()
		if *airdropFlag {
			if _, err := sol.RequestAirdrop(ctx, admin.PublicKey(), 2*ledger.LamportsPerSOL); err != nil {
				return fmt.Errorf("airdrop failed: %w", err)
			}
		}

		details, err := sol.CreateToken(ctx, admin, *decimalsFlag, *initialSupplyFlag)
		if err != nil {
			return err
		}
		fmt.Printf("mint: %s\n", details.Mint)
		fmt.Printf("admin token account: %s\n", details.AdminTokenAccount)
		fmt.Printf("initial supply: %d\n", details.InitialSupply)
		return nil
	}

	if *setParametersFlag {
		start := time.Now().UTC()
		if *windowStartFlag != "" {
			var err error
			start, err = time.Parse(time.RFC3339, *windowStartFlag)
			if err != nil {
				return fmt.Errorf("invalid window-start format (use RFC3339, e.g. 2026-01-01T00:00:00Z): %w", err)
			}
		}
		end := start.Add(*windowFlag)
		if *windowEndFlag != "" {
			var err error
			end, err = time.Parse(time.RFC3339, *windowEndFlag)
			if err != nil {
				return fmt.Errorf("invalid window-end format (use RFC3339, e.g. 2026-01-02T00:00:00Z): %w", err)
			}
		}

		body, err := json.Marshal(map[string]any{
			"window_start":       start,
			"window_end":         end,
			"lock_duration_days": *lockDaysFlag,
			"apy":                *apyFlag,
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequest(http.MethodPut, *serverURLFlag+"/api/parameters", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach controller: %w", err)
		}
		defer res.Body.Close()

		payload, _ := io.ReadAll(res.Body)
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("controller rejected parameters (%s): %s", res.Status, payload)
		}
		fmt.Printf("parameters updated: %s\n", payload)
		return nil
	}

	flag.Usage()
	return nil
}
