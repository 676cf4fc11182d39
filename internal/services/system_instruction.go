package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/agentx/raven-backend/internal/storage"
)

// DefaultSystemInstruction is used when neither the remote nor the local
// instruction can be read
const DefaultSystemInstruction = "Your name is Raven. You are a helpful AI assistant. " +
	"You have a sense of humor and can relate very well with people."

const maxInstructionBytes = 1 << 20

// SystemInstructionConfig locates the instruction text
type SystemInstructionConfig struct {
	URL       string
	LocalPath string
	TTL       time.Duration
}

// SystemInstructionCache serves the system instruction, re-reading it once
// the TTL has passed. Callers that find it stale at the same time share a
// single reload.
type SystemInstructionCache struct {
	cfg    SystemInstructionConfig
	client *http.Client
	logger *logrus.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	text      string
	fetchedAt time.Time
	now       func() time.Time
}

// NewSystemInstructionCache creates the cache. client may be nil.
func NewSystemInstructionCache(cfg SystemInstructionConfig, client *http.Client, logger *logrus.Logger) *SystemInstructionCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SystemInstructionCache{
		cfg:    cfg,
		client: client,
		logger: orStandard(logger),
		now:    time.Now,
	}
}

// Get returns the cached instruction, refreshing it when stale
func (c *SystemInstructionCache) Get(ctx context.Context) string {
	if text, ok := c.fresh(); ok {
		return text
	}

	// The reload outlives any single caller, so one cancelled request
	// cannot fail it for the others waiting on it
	v, _, _ := c.group.Do("refresh", func() (interface{}, error) {
		if text, ok := c.fresh(); ok {
			return text, nil
		}
		return c.Refresh(context.WithoutCancel(ctx)), nil
	})
	return v.(string)
}

func (c *SystemInstructionCache) fresh() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.text, c.text != "" && c.now().Sub(c.fetchedAt) < c.cfg.TTL
}

// Refresh re-reads the instruction: remote first, then the local file, then
// the built-in default. A failed refresh keeps a previously loaded text.
func (c *SystemInstructionCache) Refresh(ctx context.Context) string {
	text, source := c.load(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if source == "default" && c.text != "" {
		c.logger.Warn("System instruction refresh failed, keeping cached text")
		c.fetchedAt = c.now()
		return c.text
	}

	c.text = text
	c.fetchedAt = c.now()
	c.logger.WithField("source", source).Info("Loaded system instruction")
	return text
}

func (c *SystemInstructionCache) load(ctx context.Context) (string, string) {
	if c.cfg.URL != "" {
		text, err := c.fetchRemote(ctx)
		if err == nil {
			return text, "remote"
		}
		c.logger.WithError(err).WithField("url", c.cfg.URL).Warn("Failed to fetch system instruction")
	}

	if c.cfg.LocalPath != "" {
		data, err := os.ReadFile(c.cfg.LocalPath)
		if err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data)), "local"
		}
		if err != nil {
			c.logger.WithError(err).WithField("path", c.cfg.LocalPath).Warn("Failed to read local system instruction")
		}
	}

	return DefaultSystemInstruction, "default"
}

func (c *SystemInstructionCache) fetchRemote(ctx context.Context) (string, error) {
	// Storage references are read through their public HTTPS form
	target, err := storage.Normalize(c.cfg.URL, storage.FormPublicURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInstructionBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("empty system instruction")
	}
	return text, nil
}

// Watch refreshes the cache whenever the local instruction file changes.
// It blocks until ctx is done.
func (c *SystemInstructionCache) Watch(ctx context.Context) error {
	if c.cfg.LocalPath == "" {
		return fmt.Errorf("no local system instruction path configured")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Editors usually replace files, so watch the directory and filter
	path := filepath.Clean(c.cfg.LocalPath)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.logger.WithField("path", path).Debug("System instruction file changed")
			c.Refresh(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WithError(err).Error("System instruction watcher error")
		}
	}
}

// Personalize prefixes the instruction with the user's name when known
func Personalize(instruction, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return instruction
	}
	return fmt.Sprintf("The user's name is %s. %s", name, instruction)
}
