package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"kms-core.backend/internal/app"
	"kms-core.backend/internal/config"
	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/internal/infrastructure/datasources/postgres"
	"kms-core.backend/pkg/crypto"
	"kms-core.backend/pkg/jwt"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/metrics"
	"kms-core.backend/pkg/redis"
)

var (
	loadCfg   = config.Load
	openRedis = redis.Open
	openDB    = postgres.Open
)

var errTampered = errors.New("audit log verification failed")

var flagTenant = &cli.StringFlag{
	Name:     "tenant",
	Usage:    "Tenant id",
	Required: true,
}

var flagFormat = &cli.StringFlag{
	Name:  "format",
	Value: string(entities.ExportJSON),
	Usage: "Export format: json or csv",
}

var flagOut = &cli.StringFlag{
	Name:  "out",
	Usage: "Write to this file instead of stdout",
}

func main() {
	_ = godotenv.Load()
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kmsctl",
		Usage: "Operate the key management service",
		Before: func(cCtx *cli.Context) error {
			logger.Init(loadCfg().Server.Env)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "generate-master-key",
				Usage: "Print a new random master key as 64 hex characters",
				Action: func(cCtx *cli.Context) error {
					key, err := crypto.GenerateKey(crypto.KeySize)
					if err != nil {
						return fmt.Errorf("failed to generate master key: %w", err)
					}
					_, err = fmt.Fprintln(cCtx.App.Writer, hex.EncodeToString(key))
					return err
				},
			},
			{
				Name:  "issue-admin-token",
				Usage: "Issue a signed admin token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true, Usage: "Operator or service name"},
					&cli.StringFlag{Name: "tenant", Value: jwt.AllTenants, Usage: "Tenant id, or * for every tenant"},
					&cli.StringFlag{Name: "role", Value: "operator", Usage: "admin, operator or auditor"},
				},
				Action: func(cCtx *cli.Context) error {
					cfg := loadCfg()
					svc := jwt.NewJWTService(cfg.Admin.JWTSecret, cfg.Admin.TokenExpiry)
					token, err := svc.GenerateToken(cCtx.String("subject"), cCtx.String("tenant"), cCtx.String("role"))
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(cCtx.App.Writer, token)
					return err
				},
			},
			{
				Name:  "migrate",
				Usage: "Create or update the KMS tables",
				Action: func(cCtx *cli.Context) error {
					db, err := openDB(loadCfg().Database.URL())
					if err != nil {
						return fmt.Errorf("failed to connect to database: %w", err)
					}
					if err := app.Migrate(db); err != nil {
						return err
					}
					_, err = fmt.Fprintln(cCtx.App.Writer, "migrations applied")
					return err
				},
			},
			{
				Name:  "rotate-sweep",
				Usage: "Rotate every key that is due or expired",
				Action: withServices(func(cCtx *cli.Context, svc *app.Services) error {
					report, err := svc.Rotation.CheckAndRotateExpiredKeys(cCtx.Context)
					if report != nil {
						if werr := writeJSON(cCtx.App.Writer, report); werr != nil {
							return werr
						}
					}
					return err
				}),
			},
			{
				Name:  "verify-audit",
				Usage: "Re-check the signature of every audit entry of a tenant",
				Flags: []cli.Flag{flagTenant},
				Action: withServices(func(cCtx *cli.Context, svc *app.Services) error {
					checked, tampered, err := svc.Audit.VerifyTenantLog(cCtx.Context, entities.AuditFilters{TenantID: cCtx.String(flagTenant.Name)})
					if err != nil {
						return err
					}
					if err := writeJSON(cCtx.App.Writer, map[string]int{"checked": checked, "tampered": tampered}); err != nil {
						return err
					}
					if tampered > 0 {
						return fmt.Errorf("%w: %d of %d entries", errTampered, tampered, checked)
					}
					return nil
				}),
			},
			{
				Name:  "export-audit",
				Usage: "Export a tenant's audit log",
				Flags: []cli.Flag{
					flagTenant,
					flagFormat,
					flagOut,
					&cli.BoolFlag{Name: "signed", Usage: "Wrap the export in a signed JWS"},
				},
				Action: withServices(func(cCtx *cli.Context, svc *app.Services) error {
					filters := entities.AuditFilters{TenantID: cCtx.String(flagTenant.Name)}
					format := entities.ExportFormat(cCtx.String(flagFormat.Name))
					actor := entities.AuditActor{UserID: "kmsctl"}

					var body []byte
					if cCtx.Bool("signed") {
						token, err := svc.Audit.ExportSignedLogs(cCtx.Context, filters, format, actor)
						if err != nil {
							return err
						}
						body = []byte(token)
					} else {
						out, count, err := svc.Audit.ExportLogs(cCtx.Context, filters, format)
						if err != nil {
							return err
						}
						svc.Audit.LogExport(cCtx.Context, filters.TenantID, actor, format, count, false)
						body = out
					}
					return writeOutput(cCtx, body)
				}),
			},
			{
				Name:  "verify-export",
				Usage: "Check a signed audit export and print its payload",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Required: true, Usage: "Signed export file"},
				},
				Action: withServices(func(cCtx *cli.Context, svc *app.Services) error {
					token, err := os.ReadFile(cCtx.String("file"))
					if err != nil {
						return err
					}
					payload, err := svc.Audit.VerifySignedExport(strings.TrimSpace(string(token)))
					if err != nil {
						return err
					}
					_, err = cCtx.App.Writer.Write(payload)
					return err
				}),
			},
			{
				Name:  "cleanup-audit",
				Usage: "Delete audit entries older than the retention period",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Usage: "Retention in days (defaults to KMS_AUDIT_RETENTION_DAYS)"},
				},
				Action: withServices(func(cCtx *cli.Context, svc *app.Services) error {
					days := cCtx.Int("days")
					if days <= 0 {
						days = svc.Config.KMS.AuditRetentionDays
					}
					deleted, err := svc.Audit.CleanupOldLogs(cCtx.Context, days)
					if err != nil {
						return err
					}
					return writeJSON(cCtx.App.Writer, map[string]int64{"deleted": deleted})
				}),
			},
			{
				Name:  "health",
				Usage: "Probe the master key, database, cache and rotation backlog",
				Action: withServices(func(cCtx *cli.Context, svc *app.Services) error {
					status := svc.Health.CheckHealth(cCtx.Context)
					if err := writeJSON(cCtx.App.Writer, status); err != nil {
						return err
					}
					if !status.Healthy {
						return fmt.Errorf("unhealthy: %s", status.Details)
					}
					return nil
				}),
			},
		},
	}
}

// withServices opens Redis and the database and builds the KMS before running action.
func withServices(action func(*cli.Context, *app.Services) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		cfg := loadCfg()
		store, err := openRedis(cfg.Redis.URL, cfg.Redis.Password)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer store.Close()

		db, err := openDB(cfg.Database.URL())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		svc, err := app.New(cfg, db, store, metrics.New())
		if err != nil {
			return err
		}
		defer svc.Alerts.Wait()

		return action(cCtx, svc)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeOutput(cCtx *cli.Context, body []byte) error {
	if path := cCtx.String(flagOut.Name); path != "" {
		return os.WriteFile(path, body, 0600)
	}
	_, err := cCtx.App.Writer.Write(body)
	return err
}
