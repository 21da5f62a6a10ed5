package account

import (
	"encoding/json"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

const accountsFileName = "accounts.json"

// saveLocked rewrites the whole accounts file. Caller holds m.mu.
func (m *Manager) saveLocked() {
	if m.noFilesystem {
		log.Debug("no-filesystem mode enabled, skipping account save")
		return
	}
	if err := os.MkdirAll(m.dataFolder, 0o755); err != nil {
		log.Errorf("failed to create data folder: %v", err)
		return
	}

	data, err := json.MarshalIndent(m.accounts, "", "  ")
	if err != nil {
		log.Errorf("failed to encode accounts: %v", err)
		return
	}

	path := filepath.Join(m.dataFolder, accountsFileName)
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		log.Errorf("failed to write accounts file: %v", err)
		return
	}
	if err = os.Rename(tmp, path); err != nil {
		log.Errorf("failed to replace accounts file: %v", err)
		return
	}
	log.Debugf("saved %d accounts to %s", len(m.accounts), path)
}

// Save persists the pool to disk.
func (m *Manager) Save() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked()
}

// Load reads the accounts file and rebuilds the cookie mapping. A missing
// file is not an error.
func (m *Manager) Load() {
	if m.noFilesystem {
		log.Debug("no-filesystem mode enabled, skipping account load")
		return
	}

	path := filepath.Join(m.dataFolder, accountsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("no accounts file found at %s", path)
		} else {
			log.Errorf("failed to read accounts file: %v", err)
		}
		return
	}

	var loaded map[string]*Account
	if err = json.Unmarshal(data, &loaded); err != nil {
		log.Errorf("failed to parse accounts file %s: %v", path, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for orgUUID, account := range loaded {
		m.accounts[orgUUID] = account
		if account.CookieValue != "" {
			m.cookieToUUID[account.CookieValue] = orgUUID
		}
	}
	log.Infof("loaded %d accounts from %s", len(loaded), path)
}
