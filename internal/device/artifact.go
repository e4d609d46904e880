// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
)

// ArtifactPolicy picks one artifact when several match.
type ArtifactPolicy string

const (
	// PolicyFirst takes the first match in lexical walk order.
	PolicyFirst ArtifactPolicy = "first"
	// PolicyNewest takes the most recently modified match.
	PolicyNewest ArtifactPolicy = "newest"
)

func ParseArtifactPolicy(s string) (ArtifactPolicy, error) {
	switch ArtifactPolicy(s) {
	case "", PolicyFirst:
		return PolicyFirst, nil
	case PolicyNewest:
		return PolicyNewest, nil
	}
	return "", NewError(KindConfiguration, "artifact policy", fmt.Errorf("unknown policy %q, use first or newest", s))
}

// ArtifactQuery locates a build output below Dir whose base name matches
// Pattern (filepath.Match syntax). Directories can match too, which is how
// iOS .app bundles are found; a matching directory is not descended into.
type ArtifactQuery struct {
	Dir     string
	Pattern string
	Policy  ArtifactPolicy
}

// FindArtifact walks q.Dir and returns the selected match. Zero matches is an
// ArtifactNotFound error: the build that should have produced it failed.
func FindArtifact(env Env, q ArtifactQuery) (string, error) {
	if q.Pattern == "" {
		return "", NewError(KindConfiguration, "artifact pattern", errors.New("empty artifact pattern"))
	}
	if _, err := filepath.Match(q.Pattern, ""); err != nil {
		return "", NewError(KindConfiguration, "artifact pattern", err)
	}
	var matches []string
	err := filepath.WalkDir(q.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == q.Dir {
				return err
			}
			return nil
		}
		if path == q.Dir {
			return nil
		}
		ok, _ := filepath.Match(q.Pattern, d.Name())
		if !ok {
			return nil
		}
		matches = append(matches, path)
		if d.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", NewError(KindArtifactNotFound, filepath.Join(q.Dir, q.Pattern), err)
	}
	if len(matches) == 0 {
		return "", NewError(KindArtifactNotFound, filepath.Join(q.Dir, q.Pattern),
			errors.New("no build artifact matched; did the upstream build fail?"))
	}

	pick := matches[0]
	if q.Policy == PolicyNewest {
		var newest int64
		for _, m := range matches {
			if st, err := os.Stat(m); err == nil && st.ModTime().UnixNano() > newest {
				newest = st.ModTime().UnixNano()
				pick = m
			}
		}
	}
	fields := []any{"path", pick, "matches", len(matches), "policy", string(q.Policy)}
	if st, err := os.Stat(pick); err == nil && !st.IsDir() {
		fields = append(fields, "size", units.HumanSize(float64(st.Size())))
	}
	if len(matches) > 1 {
		LogWarn(env, "multiple artifacts matched", append(fields, "candidates", matches)...)
	} else {
		LogEvent(env, "artifact found", fields...)
	}
	return pick, nil
}
