package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmehdipour/newsletter-gateway/internal/config"
	"github.com/jmehdipour/newsletter-gateway/internal/db"
	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrationsDir string
	migrateCH     bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the event trail tables (MySQL, and ClickHouse with --clickhouse)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer logger.Sync()

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer mysqlDB.Close()

		if err := applyFile(mysqlDB, filepath.Join(migrationsDir, "001_init.sql")); err != nil {
			return err
		}

		if migrateCH {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
			if err != nil {
				return fmt.Errorf("open clickhouse: %w", err)
			}
			defer chDB.Close()

			if err := applyFile(chDB, filepath.Join(migrationsDir, "clickhouse", "001_init.sql")); err != nil {
				return err
			}
		}

		logger.Log.Info("migration complete", zap.Bool("clickhouse", migrateCH))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the SQL files")
	migrateCmd.Flags().BoolVar(&migrateCH, "clickhouse", false, "also create the ClickHouse reporting tables")
}

// applyFile runs each ';'-terminated statement on its own; neither driver
// accepts multi-statement Exec by default.
func applyFile(dbx *sqlx.DB, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration file %s: %w", path, err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := dbx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %s: %w", path, err)
		}
	}
	logger.Log.Info("applied migration", zap.String("file", path))
	return nil
}

func splitStatements(sql string) []string {
	var out []string
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			if s := strings.TrimSuffix(strings.TrimSpace(b.String()), ";"); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}
