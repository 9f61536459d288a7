package migration

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const versionLayout = "20060102150405"

var skeleton = template.Must(template.New("migration").Parse(`-- {{.Name}} ({{.Direction}})
-- version {{.Version}}{{if .Description}}: {{.Description}}{{end}}
--
-- Sync tables: entity_mappings, sync_logs, sync_jobs, sync_states.
-- Keep up and down symmetric; the server applies pending ups at startup.

`))

var (
	nonSlug    = regexp.MustCompile(`[^a-z0-9]+`)
	stripChars = regexp.MustCompile(`[^a-z0-9 _-]+`)
)

// MigrationFile is a newly created up/down pair
type MigrationFile struct {
	Version     string
	Name        string
	Description string
	UpPath      string
	DownPath    string
}

// CreateMigration writes an empty up/down pair into dir. The version is the
// current UTC time, bumped past the newest existing version so ordering holds
// even when two migrations are created within the same second.
func CreateMigration(dir, name, description string) (*MigrationFile, error) {
	slug := sanitizeName(name)
	if slug == "" {
		return nil, fmt.Errorf("migration name %q has no usable characters", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create migrations directory: %w", err)
	}

	existing, err := ListMigrations(dir)
	if err != nil {
		return nil, err
	}
	version := time.Now().UTC().Format(versionLayout)
	for _, base := range existing {
		v, rest, _ := strings.Cut(base, "_")
		if rest == slug {
			return nil, fmt.Errorf("migration %q already exists as %s", slug, base)
		}
		if v >= version {
			version = bump(v)
		}
	}

	mf := &MigrationFile{
		Version:     version,
		Name:        slug,
		Description: description,
		UpPath:      filepath.Join(dir, version+"_"+slug+".up.sql"),
		DownPath:    filepath.Join(dir, version+"_"+slug+".down.sql"),
	}
	if err := writeSkeleton(mf.UpPath, mf, "up"); err != nil {
		return nil, err
	}
	if err := writeSkeleton(mf.DownPath, mf, "down"); err != nil {
		_ = os.Remove(mf.UpPath)
		return nil, err
	}
	return mf, nil
}

func bump(version string) string {
	n, err := strconv.ParseUint(version, 10, 64)
	if err != nil {
		return version + "1"
	}
	return strconv.FormatUint(n+1, 10)
}

func writeSkeleton(path string, mf *MigrationFile, direction string) error {
	var buf bytes.Buffer
	err := skeleton.Execute(&buf, struct {
		*MigrationFile
		Direction string
	}{mf, direction})
	if err != nil {
		return fmt.Errorf("render %s migration: %w", direction, err)
	}
	// O_EXCL: never clobber a file someone else just created
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// sanitizeName lowercases name and joins its words with single underscores.
func sanitizeName(name string) string {
	s := stripChars.ReplaceAllString(strings.ToLower(name), "")
	return strings.Trim(nonSlug.ReplaceAllString(s, "_"), "_")
}

// ListMigrations lists migration base names in dir. A missing dir is empty.
func ListMigrations(dir string) ([]string, error) {
	names, err := ListMigrationsFS(os.DirFS(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	return names, err
}

// ListMigrationsFS lists migration base names at the root of fsys in version
// order. A migration is listed once its .up.sql exists.
func ListMigrationsFS(fsys fs.FS) ([]string, error) {
	if _, err := fs.Stat(fsys, "."); err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(ups))
	for _, up := range ups {
		if info, err := fs.Stat(fsys, up); err != nil || info.IsDir() {
			continue
		}
		if base := strings.TrimSuffix(up, ".up.sql"); base != "" {
			names = append(names, base)
		}
	}
	sort.Strings(names)
	return names, nil
}
