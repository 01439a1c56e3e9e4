// Package automigrate applies the schema migrations under migrations/.
package automigrate

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var (
	ErrNoDatabaseURL = errors.New("database url is required")
	ErrInvalidSteps  = errors.New("steps must be positive")
	ErrInvalidName   = errors.New("migration name must include at least one alphanumeric character")
)

var nameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

// Migrator wraps a golang-migrate instance bound to a migrations directory.
type Migrator struct {
	m *migrate.Migrate
}

// Open resolves dir and connects to databaseURL.
func Open(databaseURL, dir string) (*Migrator, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, ErrNoDatabaseURL
	}
	abs, err := resolveDir(dir)
	if err != nil {
		return nil, err
	}

	m, err := migrate.New("file://"+abs, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open migrator: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Run applies every pending up migration. It is used at server startup.
func Run(databaseURL, dir string) error {
	migrator, err := Open(databaseURL, dir)
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(0); err != nil {
		return err
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	log.Printf("database schema ready version=%d dirty=%t", version, dirty)
	return nil
}

// Up applies all pending migrations, or the next steps when steps > 0.
func (m *Migrator) Up(steps int) error {
	var err error
	switch {
	case steps < 0:
		return ErrInvalidSteps
	case steps == 0:
		err = m.m.Up()
	default:
		err = m.m.Steps(steps)
	}
	return ignoreNoChange("migrate up", err)
}

// Down rolls back all migrations, or the last steps when steps > 0.
func (m *Migrator) Down(steps int) error {
	var err error
	switch {
	case steps < 0:
		return ErrInvalidSteps
	case steps == 0:
		err = m.m.Down()
	default:
		err = m.m.Steps(-steps)
	}
	return ignoreNoChange("migrate down", err)
}

// Force sets the recorded version without running migrations. It clears a
// dirty state left by a failed migration.
func (m *Migrator) Force(version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// Version reports the applied version. A fresh database reports 0.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read version: %w", err)
	}
	return version, dirty, nil
}

func (m *Migrator) Close() {
	sourceErr, dbErr := m.m.Close()
	if sourceErr != nil {
		log.Printf("warning: migration source close failed err=%v", sourceErr)
	}
	if dbErr != nil {
		log.Printf("warning: migration database close failed err=%v", dbErr)
	}
}

// Create writes an empty up/down pair named after now and name.
func Create(dir, name string, now time.Time) (string, string, error) {
	name = SanitizeName(name)
	if name == "" {
		return "", "", ErrInvalidName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}

	base := fmt.Sprintf("%s_%s", now.UTC().Format("20060102150405"), name)
	upPath := filepath.Join(dir, base+".up.sql")
	downPath := filepath.Join(dir, base+".down.sql")
	if err := writeMigrationFile(upPath, "-- migrate up\n"); err != nil {
		return "", "", err
	}
	if err := writeMigrationFile(downPath, "-- migrate down\n"); err != nil {
		return "", "", err
	}
	return upPath, downPath, nil
}

// SanitizeName lowercases name and keeps only [a-z0-9_].
func SanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	name = nameCleaner.ReplaceAllString(name, "")
	return strings.Trim(name, "_")
}

func resolveDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "migrations"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("migrations dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations dir %s is not a directory", abs)
	}
	return abs, nil
}

func ignoreNoChange(op string, err error) error {
	if err == nil || errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func writeMigrationFile(path, contents string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(contents)
	return err
}
