// Package notify keeps the user-visible notification feed: stage failures,
// manual stops, completed runs. The feed is a bounded ring; the API serves
// it newest-first for the UI toast/history surface.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/promptforge/promptforge/pkg/models"
	"github.com/rs/zerolog/log"
)

const feedCapacity = 100

// Center collects notifications for the UI.
type Center struct {
	mu    sync.RWMutex
	items []models.Notification
}

func NewCenter() *Center {
	return &Center{}
}

// Push appends a notification, evicting the oldest entries past capacity.
func (c *Center) Push(level models.NotificationLevel, title, message string) models.Notification {
	n := models.Notification{
		ID:        uuid.New().String(),
		Level:     level,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	c.items = append(c.items, n)
	if len(c.items) > feedCapacity {
		c.items = c.items[len(c.items)-feedCapacity:]
	}
	c.mu.Unlock()

	evt := log.Info()
	if level == models.NotifyError {
		evt = log.Warn()
	}
	evt.Str("title", title).Str("message", message).Msg("Notification")
	return n
}

func (c *Center) Info(title, message string) models.Notification {
	return c.Push(models.NotifyInfo, title, message)
}

func (c *Center) Warn(title, message string) models.Notification {
	return c.Push(models.NotifyWarning, title, message)
}

func (c *Center) Error(title, message string) models.Notification {
	return c.Push(models.NotifyError, title, message)
}

// List returns notifications newest-first.
func (c *Center) List() []models.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Notification, len(c.items))
	for i, n := range c.items {
		out[len(c.items)-1-i] = n
	}
	return out
}
