package models

import (
	"database/sql"
	"net/url"
	"path"
	"strings"
	"time"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MediaKind is the coarse media category derived from a mime type
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "application"
	MediaFile     MediaKind = "file"
)

// MediaRef points at externally stored binary content
type MediaRef struct {
	Locator  string `json:"url"`
	MimeType string `json:"mime_type"`
}

// extensionMimes covers the upload types clients send without a mime type
var extensionMimes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".pdf":  "application/pdf",
}

// Mime returns the declared mime type, or one inferred from the locator's
// extension when none was declared. Empty when neither is known.
func (m MediaRef) Mime() string {
	if mime := strings.TrimSpace(m.MimeType); mime != "" {
		return mime
	}
	p := m.Locator
	if u, err := url.Parse(strings.TrimSpace(m.Locator)); err == nil {
		p = u.Path
	}
	return extensionMimes[strings.ToLower(path.Ext(p))]
}

// Kind returns the media category for the reference's mime type
func (m MediaRef) Kind() MediaKind {
	major, _, _ := strings.Cut(strings.ToLower(m.Mime()), "/")
	switch MediaKind(major) {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return MediaKind(major)
	}
	return MediaFile
}

// Message is a single persisted row of a chat. One logical turn may span
// several rows: its text and each attached media item are stored separately.
type Message struct {
	ID         string         `db:"id" json:"id"`
	ChatID     string         `db:"chat_id" json:"chat_id"`
	UserID     string         `db:"user_id" json:"user_id"`
	Role       Role           `db:"role" json:"role"`
	Content    sql.NullString `db:"content" json:"content"`
	MediaURL   sql.NullString `db:"media_url" json:"media_url"`
	MediaType  sql.NullString `db:"media_type" json:"media_type"`
	TokenCount int            `db:"token_count" json:"token_count"`
	Timestamp  time.Time      `db:"created_at" json:"created_at"`
}

// Text returns the message text when present and non-empty
func (m Message) Text() (string, bool) {
	if !m.Content.Valid || m.Content.String == "" {
		return "", false
	}
	return m.Content.String, true
}

// Media returns the attached media reference when present
func (m Message) Media() (MediaRef, bool) {
	if !m.MediaURL.Valid || m.MediaURL.String == "" {
		return MediaRef{}, false
	}
	return MediaRef{Locator: m.MediaURL.String, MimeType: m.MediaType.String}, true
}

// IsEmpty reports whether the message carries neither text nor media
func (m Message) IsEmpty() bool {
	_, hasText := m.Text()
	_, hasMedia := m.Media()
	return !hasText && !hasMedia
}

// NullString wraps s, treating the empty string as absent
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
