package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/zentarim/rtftp/internal/logger"
)

// Store is an in-memory map from ClientAddr to its parsed NbdConfig,
// backed by <ClientAddr>.nbd files at the top level of the TFTP root.
//
// Invariant: every entry was successfully parsed. A parse failure on
// create/modify leaves the prior entry (if any) untouched -- the store
// never removes an entry because its source file became briefly invalid.
type Store struct {
	mu   sync.RWMutex
	root string
	cfgs map[ClientAddr]*NbdConfig
}

// NewStore creates an empty store rooted at tftpRoot. Call Scan to
// populate it from disk.
func NewStore(tftpRoot string) *Store {
	return &Store{
		root: tftpRoot,
		cfgs: make(map[ClientAddr]*NbdConfig),
	}
}

// Get returns the config for addr, if one is loaded.
func (s *Store) Get(addr ClientAddr) (*NbdConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.cfgs[addr]
	return cfg, ok
}

// Len reports the number of loaded configs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cfgs)
}

// Snapshot returns a shallow copy of the current ClientAddr -> NbdConfig
// map, safe for the caller to range over without holding the store's lock.
func (s *Store) Snapshot() map[ClientAddr]*NbdConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ClientAddr]*NbdConfig, len(s.cfgs))
	for k, v := range s.cfgs {
		out[k] = v
	}
	return out
}

// Scan walks the TFTP root once at startup, parsing every *.nbd file it
// finds. Individual parse failures are logged and skipped; Scan itself
// only fails if the root directory cannot be read at all.
func (s *Store) Scan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		addr, ok := ClientAddrFromFilename(e.Name())
		if !ok {
			continue
		}
		s.reload(addr, filepath.Join(s.root, e.Name()))
	}
	return nil
}

// Reload parses the .nbd file for addr and, on success, atomically
// replaces its entry. It reports whether the file parsed and its entry was
// stored, even if the new entry equals the old one.
func (s *Store) Reload(addr ClientAddr) bool {
	path := filepath.Join(s.root, string(addr)+nbdFileSuffix)
	return s.reload(addr, path)
}

func (s *Store) reload(addr ClientAddr, path string) bool {
	cfg, err := ParseFile(path)
	if err != nil {
		logger.Warn("config: parse failed, retaining prior state",
			logger.KeyPath, path, logger.KeyError, err.Error())
		return false
	}

	s.mu.Lock()
	s.cfgs[addr] = cfg
	s.mu.Unlock()

	logger.Info("config: loaded", logger.KeyClientAddr, string(addr), "url", cfg.URL)
	return true
}

// Remove deletes addr's entry, e.g. in response to its .nbd file being
// deleted. The caller is responsible for marking any associated session
// for draining.
func (s *Store) Remove(addr ClientAddr) {
	s.mu.Lock()
	_, existed := s.cfgs[addr]
	delete(s.cfgs, addr)
	s.mu.Unlock()

	if existed {
		logger.Info("config: removed", logger.KeyClientAddr, string(addr))
	}
}
