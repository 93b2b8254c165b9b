// Package listing pages a key-ordered entry set the way S3 ListObjects and
// ListObjectsV2 do.
//
// List and Encode are pure: List decides what a page contains using raw keys,
// and Encode rewrites an already computed page for encoding-type=url clients.
package listing

import (
	"net/url"
	"strings"
	"time"
)

// DefaultMaxKeys is the page size used when the client does not ask for one.
const DefaultMaxKeys = 1000

// Version selects the ListObjects API flavour.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// Entry is one key of the listed bucket.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
}

// Params are the listing request parameters.
type Params struct {
	Version   Version
	Prefix    string
	Delimiter string // empty means no delimiter
	MaxKeys   int

	Marker            string // V1
	ContinuationToken string // V2
	StartAfter        string // V2

	URLEncode bool
}

// EffectiveCursor returns the key after which the page starts.
func (p Params) EffectiveCursor() string {
	if p.Version == V2 {
		if p.ContinuationToken != "" {
			return p.ContinuationToken
		}
		return p.StartAfter
	}
	return p.Marker
}

// Page is one page of listing results.
type Page struct {
	Params         Params
	Contents       []Entry
	CommonPrefixes []string
	IsTruncated    bool

	// NextMarker (V1) and NextContinuationToken (V2) are the last key
	// emitted, set only when the page is truncated.
	NextMarker            string
	NextContinuationToken string
}

// KeyCount is the number of direct results, not counting common prefixes.
func (p Page) KeyCount() int {
	return len(p.Contents)
}

// List computes the page of entries selected by p. entries must be sorted by
// key; entries outside p.Prefix are ignored.
func List(entries []Entry, p Params) Page {
	page := Page{Params: p}
	cursor := p.EffectiveCursor()
	seen := make(map[string]struct{})

	for _, e := range entries {
		if e.Key <= cursor || !strings.HasPrefix(e.Key, p.Prefix) {
			continue
		}
		if len(page.Contents) >= p.MaxKeys {
			page.IsTruncated = true
			break
		}
		if cp, ok := commonPrefix(e.Key, p.Prefix, p.Delimiter); ok {
			if _, dup := seen[cp]; !dup {
				seen[cp] = struct{}{}
				page.CommonPrefixes = append(page.CommonPrefixes, cp)
			}
			continue
		}
		page.Contents = append(page.Contents, e)
	}

	if page.IsTruncated && len(page.Contents) > 0 {
		last := page.Contents[len(page.Contents)-1].Key
		if p.Version == V2 {
			page.NextContinuationToken = last
		} else {
			page.NextMarker = last
		}
	}
	return page
}

// commonPrefix returns the prefix a key rolls up into, if the delimiter
// occurs after the listing prefix at a position other than the first.
func commonPrefix(key, prefix, delimiter string) (string, bool) {
	if delimiter == "" {
		return "", false
	}
	rel := key[len(prefix):]
	idx := strings.Index(rel, delimiter)
	if idx <= 0 {
		return "", false
	}
	return prefix + rel[:idx+len(delimiter)], true
}

// Encode returns a copy of page with keys, prefixes and echoed request
// parameters URL-encoded. NextContinuationToken is opaque and left as is.
func Encode(page Page) Page {
	out := page
	out.Params.Prefix = EncodeValue(page.Params.Prefix)
	out.Params.Delimiter = EncodeValue(page.Params.Delimiter)
	out.Params.Marker = EncodeValue(page.Params.Marker)
	out.Params.StartAfter = EncodeValue(page.Params.StartAfter)
	out.Params.ContinuationToken = EncodeValue(page.Params.ContinuationToken)
	out.NextMarker = EncodeValue(page.NextMarker)

	out.Contents = make([]Entry, len(page.Contents))
	for i, e := range page.Contents {
		e.Key = EncodeValue(e.Key)
		out.Contents[i] = e
	}
	if page.CommonPrefixes != nil {
		out.CommonPrefixes = make([]string, len(page.CommonPrefixes))
		for i, cp := range page.CommonPrefixes {
			out.CommonPrefixes[i] = EncodeValue(cp)
		}
	}
	return out
}

// EncodeValue percent-encodes s, leaving unreserved characters and '/' intact.
func EncodeValue(s string) string {
	if s == "" {
		return s
	}
	enc := url.QueryEscape(s)
	enc = strings.ReplaceAll(enc, "+", "%20")
	return strings.ReplaceAll(enc, "%2F", "/")
}
