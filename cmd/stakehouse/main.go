package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/stakehouse/pkg/ledger"
	"github.com/malbeclabs/stakehouse/pkg/metrics"
	"github.com/malbeclabs/stakehouse/pkg/server"
	"github.com/malbeclabs/stakehouse/pkg/sponsor"
	"github.com/malbeclabs/stakehouse/pkg/staking"
	"github.com/malbeclabs/stakehouse/utils/pkg/logger"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
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
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set STAKEHOUSE_LISTEN_ADDR env var)")

	// Registry configuration
	registryFlag := flag.String("registry", "memory", "registry backend: memory or postgres (or set STAKEHOUSE_REGISTRY env var)")
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set STAKEHOUSE_POSTGRES_DSN env var)")
	migrateFlag := flag.Bool("migrate", false, "run database migrations before serving")

	// Ledger configuration
	ledgerFlag := flag.String("ledger", "memory", "ledger backend: memory or devnet (or set STAKEHOUSE_LEDGER env var)")
	rpcURLFlag := flag.String("rpc-url", solanarpc.DevNet_RPC, "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	adminKeypairFlag := flag.String("admin-keypair", "", "path to the admin keypair file (or set STAKEHOUSE_ADMIN_KEYPAIR env var)")
	mintFlag := flag.String("mint", "", "token mint address, devnet ledger only (or set STAKEHOUSE_MINT env var)")

	// Demo economy configuration
	grantTokensFlag := flag.Uint64("grant-tokens", 200, "tokens granted to each new user")
	initialSupplyFlag := flag.Uint64("initial-supply", 1_000_000, "initial token supply minted to the admin, memory ledger only")
	feeCooldownFlag := flag.Duration("fee-cooldown", sponsor.DefaultCooldown, "minimum interval between fee top-ups per user")
	topUpLamportsFlag := flag.Uint64("top-up-lamports", ledger.LamportsPerSOL, "lamports per fee top-up")

	flag.Parse()

	if env := os.Getenv("STAKEHOUSE_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_REGISTRY"); env != "" {
		*registryFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_LEDGER"); env != "" {
		*ledgerFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_ADMIN_KEYPAIR"); env != "" {
		*adminKeypairFlag = env
	}
	if env := os.Getenv("STAKEHOUSE_MINT"); env != "" {
		*mintFlag = env
	}

	log := logger.New(*verboseFlag)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(ctx, log, *registryFlag, *postgresDSNFlag, *migrateFlag)
	if err != nil {
		return err
	}

	params, err := staking.NewParameterStore(staking.ParameterStoreConfig{Logger: log})
	if err != nil {
		return err
	}

	backend, err := buildLedger(ctx, log, ledgerOptions{
		kind:          *ledgerFlag,
		rpcURL:        *rpcURLFlag,
		adminKeypair:  *adminKeypairFlag,
		mint:          *mintFlag,
		grantTokens:   *grantTokensFlag,
		initialSupply: *initialSupplyFlag,
	})
	if err != nil {
		return err
	}

	feeSponsor, err := sponsor.New(sponsor.Config{
		Logger:        log,
		Funder:        backend.funder,
		Cooldown:      *feeCooldownFlag,
		TopUpLamports: *topUpLamportsFlag,
	})
	if err != nil {
		return err
	}

	engine, err := staking.NewEngine(staking.EngineConfig{
		Logger:         log,
		Registry:       registry,
		Params:         params,
		Ledger:         backend.client,
		Sponsor:        feeSponsor,
		Custodian:      backend.custodian,
		CustodianOwner: backend.custodianOwner,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
		Engine:      engine,
		Registry:    registry,
		Params:      params,
		Provisioner: backend.provisioner,
	})
	if err != nil {
		return err
	}

	log.Info("starting stakehouse controller",
		"version", version,
		"registry", *registryFlag,
		"ledger", *ledgerFlag,
		"listen_addr", *listenAddrFlag)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

func buildRegistry(ctx context.Context, log *slog.Logger, kind, dsn string, migrate bool) (staking.Registry, error) {
	switch kind {
	case "memory":
		return staking.NewMemoryRegistry(staking.MemoryRegistryConfig{Logger: log})
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("--postgres-dsn is required for the postgres registry")
		}
		if migrate {
			if err := staking.RunMigrations(log, dsn); err != nil {
				return nil, err
			}
		}
		pool, err := staking.NewPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return staking.NewPostgresRegistry(staking.PostgresRegistryConfig{Logger: log, Pool: pool})
	default:
		return nil, fmt.Errorf("unknown registry backend %q (want memory or postgres)", kind)
	}
}

type ledgerOptions struct {
	kind          string
	rpcURL        string
	adminKeypair  string
	mint          string
	grantTokens   uint64
	initialSupply uint64
}

type ledgerBackend struct {
	client         ledger.Client
	funder         ledger.Funder
	provisioner    ledger.Provisioner
	custodian      solana.PublicKey
	custodianOwner solana.PublicKey
}

func buildLedger(ctx context.Context, log *slog.Logger, opts ledgerOptions) (*ledgerBackend, error) {
	switch opts.kind {
	case "memory":
		mem, err := ledger.NewMemory(ledger.MemoryConfig{Logger: log})
		if err != nil {
			return nil, err
		}

		admin := solana.NewWallet().PublicKey()
		adminTokenAccount := mem.CreateTokenAccount(admin)
		mem.Mint(adminTokenAccount, opts.initialSupply)

		provisioner, err := ledger.NewMemoryProvisioner(ledger.MemoryProvisionerConfig{
			Logger:            log,
			Ledger:            mem,
			AdminOwner:        admin,
			AdminTokenAccount: adminTokenAccount,
			GrantTokens:       opts.grantTokens,
		})
		if err != nil {
			return nil, err
		}
		return &ledgerBackend{
			client:         mem,
			funder:         mem,
			provisioner:    provisioner,
			custodian:      adminTokenAccount,
			custodianOwner: admin,
		}, nil

	case "devnet":
		if opts.adminKeypair == "" {
			return nil, fmt.Errorf("--admin-keypair is required for the devnet ledger")
		}
		if opts.mint == "" {
			return nil, fmt.Errorf("--mint is required for the devnet ledger")
		}

		admin, err := solana.PrivateKeyFromSolanaKeygenFile(opts.adminKeypair)
		if err != nil {
			return nil, fmt.Errorf("failed to load admin keypair: %w", err)
		}
		mint, err := solana.PublicKeyFromBase58(opts.mint)
		if err != nil {
			return nil, fmt.Errorf("invalid mint address: %w", err)
		}

		sol, err := ledger.NewSolana(ledger.SolanaConfig{
			Logger: log,
			RPC:    solanarpc.New(opts.rpcURL),
		})
		if err != nil {
			return nil, err
		}
		sol.RegisterSigner(admin)

		adminTokenAccount, err := sol.EnsureTokenAccount(ctx, admin, admin.PublicKey(), mint)
		if err != nil {
			return nil, fmt.Errorf("failed to ensure admin token account: %w", err)
		}

		provisioner, err := ledger.NewSolanaProvisioner(ledger.SolanaProvisionerConfig{
			Logger:            log,
			Client:            sol,
			Payer:             admin,
			Mint:              mint,
			AdminTokenAccount: adminTokenAccount,
			GrantTokens:       opts.grantTokens,
		})
		if err != nil {
			return nil, err
		}
		return &ledgerBackend{
			client:         sol,
			funder:         sol,
			provisioner:    provisioner,
			custodian:      adminTokenAccount,
			custodianOwner: admin.PublicKey(),
		}, nil

	default:
		return nil, fmt.Errorf("unknown ledger backend %q (want memory or devnet)", opts.kind)
	}
}
