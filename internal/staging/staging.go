// Package staging validates user-supplied listing links and writes them to the shared
// data directory where the first stage reads them.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"deckplane/internal/pipeline"
)

// DefaultLinkPattern accepts cian.ru listing URLs, with or without scheme and subdomain.
const DefaultLinkPattern = `(?i)^(https?://)?([\w-]+\.)?cian\.ru([/\w.\-?&=%]*)?$`

// LinksFile is the staged input path relative to the data directory.
var LinksFile = filepath.Join("table", "links.txt")

// InvalidLinksError lists the lines that did not match the link pattern.
// An empty Lines means the input held no links at all.
type InvalidLinksError struct {
	Lines []string
}

func (e *InvalidLinksError) Error() string {
	if len(e.Lines) == 0 {
		return "no links provided"
	}
	return fmt.Sprintf("%d invalid link(s): %s", len(e.Lines), strings.Join(e.Lines, ", "))
}

// ValidateLinks trims every line, drops blank ones and checks the rest against pattern.
// It returns the cleaned links, or an *InvalidLinksError naming every offending line.
func ValidateLinks(lines []string, pattern *regexp.Regexp) ([]string, error) {
	var (
		links   []string
		invalid []string
	)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !pattern.MatchString(line) {
			invalid = append(invalid, line)
			continue
		}
		links = append(links, line)
	}
	if len(invalid) > 0 {
		return nil, &InvalidLinksError{Lines: invalid}
	}
	if len(links) == 0 {
		return nil, &InvalidLinksError{}
	}
	return links, nil
}

// SplitLines splits a free-form message into candidate link lines.
func SplitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// Stager writes staged input into a data directory.
type Stager struct {
	dataDir string
	log     *slog.Logger
}

// NewStager creates a Stager rooted at dataDir.
func NewStager(dataDir string, log *slog.Logger) *Stager {
	if log == nil {
		log = slog.Default()
	}
	return &Stager{dataDir: dataDir, log: log}
}

// StageLinks writes links one per line to <data>/table/links.txt, replacing any
// previous content atomically. Failures are KindIO stage errors.
func (s *Stager) StageLinks(ctx context.Context, links []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &pipeline.StageError{Kind: pipeline.Classify(err), Err: err}
	}

	path := filepath.Join(s.dataDir, LinksFile)
	if err := writeFileAtomic(path, []byte(strings.Join(links, "\n"))); err != nil {
		return "", &pipeline.StageError{Kind: pipeline.KindIO, Err: fmt.Errorf("stage links: %w", err)}
	}

	s.log.Info("links staged", "path", path, "count", len(links))
	return path, nil
}

// EnsureLayout creates the directories workers expect under the data directory.
func (s *Stager) EnsureLayout() error {
	for _, dir := range []string{"table", "mask", "config", "presentation/pic", "presentation/output", "presentation/template"} {
		if err := os.MkdirAll(filepath.Join(s.dataDir, dir), 0o755); err != nil {
			return &pipeline.StageError{Kind: pipeline.KindIO, Err: fmt.Errorf("create %s: %w", dir, err)}
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".links-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// Workers run as arbitrary users inside their containers.
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
