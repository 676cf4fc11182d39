// Package storage normalizes references to objects held in Google Cloud
// Storage so that every equivalent spelling of an object maps to the same
// canonical string.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Form selects the canonical representation Normalize returns
type Form int

const (
	// FormGSURI is gs://bucket/object
	FormGSURI Form = iota
	// FormPublicURL is https://storage.googleapis.com/bucket/object
	FormPublicURL
	// FormCleanURL is the public URL for storage objects and the input
	// without query or fragment for anything else
	FormCleanURL
)

const publicHost = "storage.googleapis.com"

var (
	ErrEmptyLocator   = errors.New("empty storage locator")
	ErrInvalidLocator = errors.New("invalid storage locator")
)

var jsonAPIPath = regexp.MustCompile(`^/(?:download/)?storage/v1/b/([^/]+)/o/(.+)$`)

// Object identifies a stored object
type Object struct {
	Bucket string
	Name   string
}

// GSURI returns the gs:// form of the object
func (o Object) GSURI() string {
	return "gs://" + o.Bucket + "/" + o.Name
}

// PublicURL returns the public HTTPS form of the object
func (o Object) PublicURL() string {
	segments := strings.Split(o.Name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "https://" + publicHost + "/" + o.Bucket + "/" + strings.Join(segments, "/")
}

// Parse resolves raw into a storage object. The boolean is false when raw is
// a well-formed URL that does not point into Cloud Storage.
func Parse(raw string) (Object, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Object{}, false, ErrEmptyLocator
	}

	if len(raw) >= 5 && strings.EqualFold(raw[:5], "gs://") {
		rest, _, _ := strings.Cut(raw[5:], "?")
		obj, err := splitBucketPath(rest)
		if err != nil {
			return Object{}, false, err
		}
		return obj, true, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Object{}, false, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Object{}, false, fmt.Errorf("%w: %q", ErrInvalidLocator, raw)
	}

	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()

	if strings.HasSuffix(host, "googleapis.com") {
		if m := jsonAPIPath.FindStringSubmatch(path); m != nil {
			bucket, err1 := url.PathUnescape(m[1])
			name, err2 := url.PathUnescape(m[2])
			if err1 != nil || err2 != nil || bucket == "" || name == "" {
				return Object{}, false, fmt.Errorf("%w: %q", ErrInvalidLocator, raw)
			}
			return Object{Bucket: bucket, Name: name}, true, nil
		}
	}

	switch {
	case host == publicHost || host == "storage.cloud.google.com":
		obj, err := splitBucketPath(strings.TrimPrefix(path, "/"))
		if err != nil {
			return Object{}, false, err
		}
		return obj, true, nil
	case strings.HasSuffix(host, "."+publicHost):
		bucket := strings.TrimSuffix(host, "."+publicHost)
		name, err := url.PathUnescape(strings.TrimPrefix(path, "/"))
		if err != nil || name == "" {
			return Object{}, false, fmt.Errorf("%w: %q", ErrInvalidLocator, raw)
		}
		return Object{Bucket: bucket, Name: name}, true, nil
	}

	return Object{}, false, nil
}

func splitBucketPath(p string) (Object, error) {
	bucket, name, ok := strings.Cut(p, "/")
	if !ok || bucket == "" || name == "" {
		return Object{}, fmt.Errorf("%w: missing bucket or object in %q", ErrInvalidLocator, p)
	}
	b, err := url.PathUnescape(bucket)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	n, err := url.PathUnescape(name)
	if err != nil {
		return Object{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	return Object{Bucket: b, Name: n}, nil
}

// Normalize converts raw into the requested form. URLs that do not point
// into Cloud Storage are returned unchanged, except that FormCleanURL drops
// their query and fragment.
func Normalize(raw string, form Form) (string, error) {
	obj, isStorage, err := Parse(raw)
	if err != nil {
		return "", err
	}

	if !isStorage {
		raw = strings.TrimSpace(raw)
		if form == FormCleanURL {
			u, _ := url.Parse(raw)
			u.RawQuery = ""
			u.Fragment = ""
			return u.String(), nil
		}
		return raw, nil
	}

	switch form {
	case FormGSURI:
		return obj.GSURI(), nil
	case FormPublicURL, FormCleanURL:
		return obj.PublicURL(), nil
	default:
		return "", fmt.Errorf("unknown locator form %d", form)
	}
}

// Canonical returns a stable identity for raw: the gs:// URI for storage
// objects, otherwise the trimmed input. It never fails.
func Canonical(raw string) string {
	if s, err := Normalize(raw, FormGSURI); err == nil {
		return s
	}
	return strings.TrimSpace(raw)
}
