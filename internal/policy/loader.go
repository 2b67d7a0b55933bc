package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/policy")

// ProfileSuffix is the file suffix LoadDir picks up.
const ProfileSuffix = ".smsrelay.yaml"

// ResolvePathUnderBase resolves path relative to baseDir and returns an absolute path
// that is guaranteed to be under baseDir. Prevents path traversal when path is
// user-controlled. If path is absolute, it must still be under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("profile base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	pathAbs, err := filepath.Abs(filepath.Clean(full))
	if err != nil {
		return "", fmt.Errorf("profile path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("profile path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("profile path outside base directory")
	}
	return pathAbs, nil
}

// LoadProfile loads, schema-validates and defaults a profile file.
// baseDir is the directory path is resolved against; the resolved path and
// the instructions file must stay under baseDir. If baseDir is empty, the
// current working directory is used.
func LoadProfile(ctx context.Context, path, baseDir string) (*Profile, error) {
	_, span := tracer.Start(ctx, "policy.load")
	defer span.End()
	span.SetAttributes(attribute.String("profile.path", path))

	p, err := loadProfile(path, baseDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("profile.name", p.Profile.Name),
		attribute.String("profile.version_tag", p.VersionTag),
	)
	return p, nil
}

func loadProfile(path, baseDir string) (*Profile, error) {
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("profile base directory: %w", err)
		}
		baseDir = wd
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", safePath, err)
	}
	if err := ValidateSchema(content); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(safePath), err)
	}

	var p Profile
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("parsing profile YAML: %w", err)
	}
	p.Path = safePath
	p.ComputeHash(content)
	applyDefaults(&p)
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Profile.Name, err)
	}

	if f := p.Conversation.InstructionsFile; f != "" {
		instrPath, err := ResolvePathUnderBase(baseDir, filepath.Join(filepath.Dir(safePath), f))
		if err != nil {
			return nil, fmt.Errorf("profile %s: instructions_file: %w", p.Profile.Name, err)
		}
		instr, err := os.ReadFile(instrPath)
		if err != nil {
			return nil, fmt.Errorf("profile %s: reading instructions: %w", p.Profile.Name, err)
		}
		p.Instructions = strings.TrimSpace(string(instr))
	}
	return &p, nil
}

// LoadDir loads every *.smsrelay.yaml file directly under dir, keyed by
// profile name. Duplicate names are an error.
func LoadDir(ctx context.Context, dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading profiles directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ProfileSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no %s files in %s", ProfileSuffix, dir)
	}

	out := make(map[string]*Profile, len(names))
	for _, name := range names {
		p, err := LoadProfile(ctx, name, dir)
		if err != nil {
			return nil, err
		}
		if prev, dup := out[p.Profile.Name]; dup {
			return nil, fmt.Errorf("profile %q defined by both %s and %s", p.Profile.Name, filepath.Base(prev.Path), name)
		}
		out[p.Profile.Name] = p
		for _, w := range p.Warnings {
			log.Warn().Str("profile", p.Profile.Name).Str("warning", w).Msg("profile_warning")
		}
		log.Info().
			Str("profile", p.Profile.Name).
			Str("version_tag", p.VersionTag).
			Strs("actions", p.Actions.Enabled).
			Msg("profile_loaded")
	}
	return out, nil
}
