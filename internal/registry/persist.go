package registry

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// persistLocked writes the fleet to disk atomically: temp file in the same
// directory, then rename. Must run under r.mu.
func (r *Registry) persistLocked() {
	if r.cfg.AccountsPath == "" {
		return
	}

	dir := filepath.Dir(r.cfg.AccountsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create accounts directory")
		return
	}

	data, err := json.MarshalIndent(r.accounts, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal accounts")
		return
	}

	tmp, err := os.CreateTemp(dir, "accounts-*.tmp")
	if err != nil {
		log.Error().Err(err).Msg("failed to create temp accounts file")
		return
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		log.Error().Err(err).Msg("failed to write accounts")
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		log.Error().Err(err).Msg("failed to sync accounts")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, r.cfg.AccountsPath); err != nil {
		os.Remove(tmpPath)
		log.Error().Err(err).Msg("failed to replace accounts file")
		return
	}

	log.Debug().Int("accounts", len(r.accounts)).Str("path", r.cfg.AccountsPath).
		Msg("accounts persisted")
}

// load reads the persisted fleet and rebuilds the cookie index. A missing
// file is an empty fleet, not an error.
func (r *Registry) load() error {
	if r.cfg.AccountsPath == "" {
		return nil
	}

	data, err := os.ReadFile(r.cfg.AccountsPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info().Str("path", r.cfg.AccountsPath).Msg("no accounts file, starting empty")
			return nil
		}
		return err
	}

	accounts := make(map[string]*Account)
	if err := json.Unmarshal(data, &accounts); err != nil {
		return err
	}

	r.accounts = accounts
	for id, a := range accounts {
		if a.OrganizationUUID == "" {
			a.OrganizationUUID = id
		}
		if a.Status == "" {
			a.Status = StatusValid
		}
		if a.Cookie != "" {
			r.cookieToUUID[a.Cookie] = id
		}
	}
	return nil
}
