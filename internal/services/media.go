package services

import (
	"regexp"

	"github.com/agentx/raven-backend/internal/llm"
	"github.com/agentx/raven-backend/internal/models"
	"github.com/agentx/raven-backend/internal/storage"
)

var (
	deicticCue   = regexp.MustCompile(`(?i)\b(previous|earlier|above|before|last|first|second|third|that)\b`)
	imageCue     = regexp.MustCompile(`(?i)\b(image|images|photo|photos|picture|pictures|pic|pics|gif|meme|screenshot)\b`)
	videoCue     = regexp.MustCompile(`(?i)\b(video|videos|clip|clips|footage|gif)\b`)
	audioCue     = regexp.MustCompile(`(?i)\b(audio|recording|voice|song)\b`)
	documentCue  = regexp.MustCompile(`(?i)\b(pdf|document|doc|file)\b`)
	extensionCue = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|webp|heic|mp4|mov|webm|avi|mkv|mp3|wav|m4a|pdf)\b`)
)

// MediaSelectorConfig holds the media caps
type MediaSelectorConfig struct {
	MaxParts                 int
	MaxImages                int
	MaxVideos                int
	MaxAudio                 int
	MaxDocuments             int
	AllowHistoryIfReferenced bool
	IncludeOnlyCurrentTurn   bool
}

// DefaultMediaSelectorConfig returns the production caps
func DefaultMediaSelectorConfig() MediaSelectorConfig {
	return MediaSelectorConfig{
		MaxParts:                 3,
		MaxImages:                2,
		MaxVideos:                1,
		MaxAudio:                 1,
		MaxDocuments:             1,
		AllowHistoryIfReferenced: true,
	}
}

// AllowedMedia is the set of media that may appear in the prompt, keyed by
// canonical locator
type AllowedMedia map[string]struct{}

// Contains reports whether locator, in any equivalent form, is allowed
func (a AllowedMedia) Contains(locator string) bool {
	_, ok := a[storage.Canonical(locator)]
	return ok
}

func (a AllowedMedia) add(locator string) {
	a[storage.Canonical(locator)] = struct{}{}
}

// MediaReference is what the latest message text says about earlier media
type MediaReference struct {
	Generic bool
	Kinds   map[models.MediaKind]bool
}

// Any reports whether the text refers to earlier media at all
func (r MediaReference) Any() bool {
	return r.Generic || len(r.Kinds) > 0
}

// Wants reports whether media of kind k is being referred to. Naming a type
// narrows the reference to that type; otherwise every kind qualifies.
func (r MediaReference) Wants(k models.MediaKind) bool {
	if len(r.Kinds) > 0 {
		return r.Kinds[k]
	}
	return r.Generic
}

// DetectReference scans text for deictic words, media type words and file
// extensions
func DetectReference(text string) MediaReference {
	ref := MediaReference{Kinds: map[models.MediaKind]bool{}}
	if imageCue.MatchString(text) {
		ref.Kinds[models.MediaImage] = true
	}
	if videoCue.MatchString(text) {
		ref.Kinds[models.MediaVideo] = true
	}
	if audioCue.MatchString(text) {
		ref.Kinds[models.MediaAudio] = true
	}
	if documentCue.MatchString(text) {
		ref.Kinds[models.MediaDocument] = true
		ref.Kinds[models.MediaFile] = true
	}
	ref.Generic = deicticCue.MatchString(text) || extensionCue.MatchString(text)
	return ref
}

// MediaSelector decides which media may accompany the current turn
type MediaSelector struct {
	cfg MediaSelectorConfig
}

// NewMediaSelector creates a media selector
func NewMediaSelector(cfg MediaSelectorConfig) *MediaSelector {
	return &MediaSelector{cfg: cfg}
}

func (s *MediaSelector) typeCap(k models.MediaKind) int {
	switch k {
	case models.MediaImage:
		return s.cfg.MaxImages
	case models.MediaVideo:
		return s.cfg.MaxVideos
	case models.MediaAudio:
		return s.cfg.MaxAudio
	default:
		return s.cfg.MaxDocuments
	}
}

// Select returns the allowed media for a turn. Media on the latest turn is
// always allowed and counts toward the caps. Earlier media is considered
// only when the latest text refers to it, newest first; an item is taken
// when its type cap has room, and the global cap ends the walk once full.
func (s *MediaSelector) Select(latest models.Turn, history []models.Turn) AllowedMedia {
	allowed := AllowedMedia{}
	perKind := map[models.MediaKind]int{}

	for _, ref := range latest.MediaRefs() {
		if allowed.Contains(ref.Locator) {
			continue
		}
		allowed.add(ref.Locator)
		perKind[ref.Kind()]++
		llm.MediaSelected.WithLabelValues("current").Inc()
	}

	if s.cfg.IncludeOnlyCurrentTurn || !s.cfg.AllowHistoryIfReferenced {
		return allowed
	}
	reference := DetectReference(latest.Text())
	if !reference.Any() {
		return allowed
	}

	for i := len(history) - 1; i >= 0; i-- {
		refs := history[i].MediaRefs()
		for j := len(refs) - 1; j >= 0; j-- {
			if len(allowed) >= s.cfg.MaxParts {
				return allowed
			}
			ref := refs[j]
			kind := ref.Kind()
			if !reference.Wants(kind) || allowed.Contains(ref.Locator) {
				continue
			}
			if perKind[kind] >= s.typeCap(kind) {
				continue
			}
			allowed.add(ref.Locator)
			perKind[kind]++
			llm.MediaSelected.WithLabelValues("history").Inc()
		}
	}
	return allowed
}
