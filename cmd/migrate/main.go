package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/config"
	"github.com/dvloznov/statement-insights/internal/logger"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Target is a database migrations can be applied to.
type Target interface {
	// EnsureTable creates schema_migrations when missing.
	EnsureTable(ctx context.Context) error
	Applied(ctx context.Context) ([]AppliedMigration, error)
	// Apply runs the migration and records it.
	Apply(ctx context.Context, m Migration, appliedBy string) error
	Close() error
}

// Pattern to match migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

var (
	target        = flag.String("target", "postgres", "Migration target: postgres or bigquery")
	configPath    = flag.String("config", "", "Path to YAML config (optional)")
	projectID     = flag.String("project", "", "GCP project ID (bigquery target, defaults to config)")
	datasetID     = flag.String("dataset", "", "BigQuery dataset ID (defaults to config)")
	appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "", "Path to migrations directory (default migrations/<target>)")
)

func main() {
	flag.Parse()

	log := logger.New()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	dir := *migrationsDir
	if dir == "" {
		dir = filepath.Join("migrations", *target)
	}

	var (
		db           Target
		replacements map[string]string
	)
	switch *target {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			log.Fatal().Msg("storage.postgres_dsn (or SI_POSTGRES_DSN) is required for the postgres target")
		}
		db, err = newPostgresTarget(ctx, cfg.Storage.PostgresDSN)
	case "bigquery":
		project := firstNonEmpty(*projectID, cfg.Warehouse.ProjectID)
		dataset := firstNonEmpty(*datasetID, cfg.Warehouse.Dataset)
		if project == "" {
			log.Fatal().Msg("-project (or SI_BIGQUERY_PROJECT) is required for the bigquery target")
		}
		replacements = map[string]string{"{{PROJECT_ID}}": project, "{{DATASET_ID}}": dataset}
		db, err = newBigQueryTarget(ctx, project, dataset)
	default:
		log.Fatal().Str("target", *target).Msg("Unknown migration target")
	}
	if err != nil {
		log.Fatal().Err(err).Str("target", *target).Msg("Failed to connect")
	}
	defer db.Close()

	if err := run(ctx, db, dir, replacements, *appliedBy, log); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

// run applies every pending migration in dir.
func run(ctx context.Context, db Target, dir string, replacements map[string]string, by string, log zerolog.Logger) error {
	if err := db.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	migrations, err := readMigrations(dir, replacements)
	if err != nil {
		return err
	}
	log.Info().Int("files", len(migrations)).Str("dir", dir).Msg("Read migrations")

	applied, err := db.Applied(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		log.Info().Msgf("  [RUN]  %04d_%s", m.Version, m.Name)
		if err := db.Apply(ctx, m, by); err != nil {
			return fmt.Errorf("apply %04d_%s: %w", m.Version, m.Name, err)
		}
		log.Info().Msgf("  [OK]   %04d_%s", m.Version, m.Name)
	}

	if len(pending) == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", len(pending)).Msg("Successfully applied migrations")
	}
	return nil
}

// readMigrations reads all migration files from dir, replacing placeholders
// in the SQL. The checksum covers the file before replacement so the same
// migration matches across projects.
func readMigrations(dir string, replacements map[string]string) ([]Migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		version, name, ok := parseFilename(file.Name())
		if !ok {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		for placeholder, value := range replacements {
			sql = strings.ReplaceAll(sql, placeholder, value)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: file.Name(),
			SQL:      sql,
			Checksum: checksum(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %04d", migrations[i].Version)
		}
	}
	return migrations, nil
}

func parseFilename(filename string) (int, string, bool) {
	matches := migrationPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

func checksum(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// pendingMigrations returns the migrations not applied yet. A migration
// whose file changed after it was applied is an error.
func pendingMigrations(migrations []Migration, applied []AppliedMigration) ([]Migration, error) {
	done := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		done[am.Version] = am
	}

	var pending []Migration
	for _, m := range migrations {
		am, ok := done[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %04d_%s changed after it was applied (checksum %s, recorded %s)",
				m.Version, m.Name, m.Checksum[:12], am.Checksum[:min(12, len(am.Checksum))])
		}
	}
	return pending, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
