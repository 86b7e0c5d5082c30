package redis

import "fmt"

// KeyBuilder provides methods to build Redis keys following the defined patterns
type KeyBuilder struct{}

// NewKeyBuilder creates a new Redis key builder
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{}
}

// ShapesKey builds the per-canvas shapes hash key
func (b *KeyBuilder) ShapesKey(canvasID string) string {
	return fmt.Sprintf("canvas:%s:shapes", canvasID)
}

// CursorsKey builds the per-canvas cursors hash key
func (b *KeyBuilder) CursorsKey(canvasID string) string {
	return fmt.Sprintf("canvas:%s:cursors", canvasID)
}

// PresenceKey builds the per-canvas presence hash key
func (b *KeyBuilder) PresenceKey(canvasID string) string {
	return fmt.Sprintf("canvas:%s:presence", canvasID)
}

// SettingsKey builds the per-canvas settings key
func (b *KeyBuilder) SettingsKey(canvasID string) string {
	return fmt.Sprintf("canvas:%s:settings", canvasID)
}

// HistoryKey builds the per-canvas history hash key
func (b *KeyBuilder) HistoryKey(canvasID string) string {
	return fmt.Sprintf("canvas:%s:history", canvasID)
}

// EventsChannel builds the per-canvas pub/sub notification channel name
func (b *KeyBuilder) EventsChannel(canvasID string) string {
	return fmt.Sprintf("canvas:%s:events", canvasID)
}
