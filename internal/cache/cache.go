// Package cache maps prompt-cache checkpoints to accounts so a follow-up
// request reusing a cached prefix lands on the account that built the cache.
// Checkpoints are rolling SHA-256 digests over the request prefix; entries
// expire on a TTL.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/clove-proxy/clove/internal/claude"
	"github.com/clove-proxy/clove/internal/config"
)

// Registry holds checkpoint-to-account mappings with expiry.
type Registry struct {
	checkpoints *gocache.Cache
}

// NewRegistry builds a registry whose entries live for the configured cache
// timeout.
func NewRegistry(cfg *config.Config) *Registry {
	timeout := time.Duration(cfg.CacheTimeout) * time.Second
	cleanup := time.Duration(cfg.CacheCleanupInterval) * time.Second
	log.Infof("cache registry initialized with timeout=%ds, cleanup_interval=%ds",
		cfg.CacheTimeout, cfg.CacheCleanupInterval)
	return &Registry{checkpoints: gocache.New(timeout, cleanup)}
}

// ProcessMessages hashes the request prefix block by block. It returns the
// account bound to the deepest matching prefix, if any, plus the digests of
// every block annotated with cache_control so the caller can bind them to
// the account that ends up serving the request.
func (r *Registry) ProcessMessages(model string, messages []claude.InputMessage, system claude.ContentList) (string, []string) {
	var accountID string
	var newCheckpoints []string

	hasher := sha256.New()
	updateHasher(hasher, map[string]any{"model": model})

	check := func(block *claude.ContentBlock) {
		updateHasher(hasher, blockDigestFields(block))
		feature := hex.EncodeToString(hasher.Sum(nil))
		if block.CacheControl != nil {
			newCheckpoints = append(newCheckpoints, feature)
		}
		if cached, ok := r.checkpoints.Get(feature); ok {
			accountID = cached.(string)
		}
	}

	for i := range system {
		check(&system[i])
	}
	for _, message := range messages {
		updateHasher(hasher, map[string]any{"role": message.Role})
		for i := range message.Content {
			check(&message.Content[i])
		}
	}

	if accountID != "" {
		log.Debugf("cache hit: account_id=%s", accountID)
	}
	return accountID, newCheckpoints
}

// AddCheckpoints binds checkpoint digests to an account.
func (r *Registry) AddCheckpoints(checkpoints []string, accountID string) {
	for _, checkpoint := range checkpoints {
		r.checkpoints.SetDefault(checkpoint, accountID)
		log.Debugf("added checkpoint mapping: %.16s... -> %s", checkpoint, accountID)
	}
	if len(checkpoints) > 0 {
		log.Debugf("cache updated: %d checkpoints added, total cache size: %d",
			len(checkpoints), r.checkpoints.ItemCount())
	}
}

// Size returns the number of live checkpoints.
func (r *Registry) Size() int {
	return r.checkpoints.ItemCount()
}

// Flush drops every checkpoint, used on shutdown.
func (r *Registry) Flush() {
	r.checkpoints.Flush()
	log.Info("cleaned up all cache checkpoints")
}

// updateHasher feeds one block into the rolling digest: a NUL delimiter
// followed by compact JSON with sorted keys, so hashing is order and
// whitespace insensitive within a block but strict across blocks.
func updateHasher(hasher hash.Hash, data map[string]any) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}
	hasher.Write([]byte{0})
	hasher.Write(encoded)
}

// blockDigestFields reduces a block to the fields that identify it for
// cache matching. Large payloads like tool results hash by reference id
// only.
func blockDigestFields(block *claude.ContentBlock) map[string]any {
	fields := map[string]any{"type": block.Type}
	switch block.Type {
	case claude.BlockText:
		fields["text"] = block.Text
	case claude.BlockThinking:
		fields["thinking"] = block.Thinking
	case claude.BlockToolUse, claude.BlockServerToolUse:
		fields["id"] = block.ID
	case claude.BlockToolResult, claude.BlockWebSearchToolResult:
		fields["tool_use_id"] = block.ToolUseID
	case claude.BlockImage:
		if block.Source != nil {
			fields["source_type"] = block.Source.Type
			switch block.Source.Type {
			case "base64":
				fields["source_data"] = block.Source.Data
			case "url":
				fields["source_url"] = block.Source.URL
			case "file":
				fields["source_file"] = block.Source.FileUUID
			}
		}
	}
	return fields
}
