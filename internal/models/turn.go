package models

import "strings"

// Part is one piece of a turn: either text or a media reference
type Part struct {
	Text  string
	Media *MediaRef
}

// TextPart builds a text part
func TextPart(text string) Part {
	return Part{Text: text}
}

// MediaPart builds a media part
func MediaPart(ref MediaRef) Part {
	return Part{Media: &ref}
}

// IsMedia reports whether the part references media
func (p Part) IsMedia() bool {
	return p.Media != nil
}

// Turn groups the consecutive rows written by one role
type Turn struct {
	Role  Role
	Parts []Part
}

// Text joins the turn's text parts with a single space
func (t Turn) Text() string {
	var texts []string
	for _, p := range t.Parts {
		if !p.IsMedia() && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// MediaRefs returns the turn's media references in order
func (t Turn) MediaRefs() []MediaRef {
	var refs []MediaRef
	for _, p := range t.Parts {
		if p.IsMedia() {
			refs = append(refs, *p.Media)
		}
	}
	return refs
}

// GroupTurns rebuilds logical turns from chronologically ordered rows by
// merging consecutive rows that share a role. Rows with neither text nor
// media are dropped.
func GroupTurns(messages []Message) []Turn {
	var turns []Turn
	for _, m := range messages {
		var parts []Part
		if text, ok := m.Text(); ok {
			parts = append(parts, TextPart(text))
		}
		if ref, ok := m.Media(); ok {
			parts = append(parts, MediaPart(ref))
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Parts = append(turns[n-1].Parts, parts...)
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Parts: parts})
	}
	return turns
}
