package listing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(keys ...string) []Entry {
	out := make([]Entry, len(keys))
	for i, k := range keys {
		out[i] = Entry{Key: k, Size: int64(len(k))}
	}
	return out
}

func keysOf(page Page) []string {
	var out []string
	for _, e := range page.Contents {
		out = append(out, e.Key)
	}
	return out
}

func TestList_Pagination(t *testing.T) {
	all := entries("a/1", "a/2", "a/3", "b/1")

	page := List(all, Params{Version: V1, Prefix: "a/", MaxKeys: 2})
	assert.Equal(t, []string{"a/1", "a/2"}, keysOf(page))
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "a/2", page.NextMarker)
	assert.Empty(t, page.NextContinuationToken)

	page = List(all, Params{Version: V1, Prefix: "a/", MaxKeys: 2, Marker: "a/2"})
	assert.Equal(t, []string{"a/3"}, keysOf(page))
	assert.False(t, page.IsTruncated)
	assert.Empty(t, page.NextMarker)
}

func TestList_PaginationV2(t *testing.T) {
	all := entries("a/1", "a/2", "a/3", "b/1")

	page := List(all, Params{Version: V2, Prefix: "a/", MaxKeys: 2})
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "a/2", page.NextContinuationToken)
	assert.Empty(t, page.NextMarker)
	assert.Equal(t, 2, page.KeyCount())

	page = List(all, Params{Version: V2, Prefix: "a/", MaxKeys: 2, ContinuationToken: page.NextContinuationToken})
	assert.Equal(t, []string{"a/3"}, keysOf(page))
	assert.False(t, page.IsTruncated)
}

func TestList_ExactFitIsNotTruncated(t *testing.T) {
	page := List(entries("a", "b"), Params{Version: V2, MaxKeys: 2})
	assert.Equal(t, []string{"a", "b"}, keysOf(page))
	assert.False(t, page.IsTruncated)
}

func TestList_CursorIsExclusive(t *testing.T) {
	all := entries("a", "b", "c")
	page := List(all, Params{Version: V1, MaxKeys: 10, Marker: "b"})
	assert.Equal(t, []string{"c"}, keysOf(page))

	// A cursor between keys resumes at the next one.
	page = List(all, Params{Version: V1, MaxKeys: 10, Marker: "aa"})
	assert.Equal(t, []string{"b", "c"}, keysOf(page))
}

func TestEffectiveCursor(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{"v1 marker", Params{Version: V1, Marker: "m", StartAfter: "s", ContinuationToken: "t"}, "m"},
		{"v2 token wins", Params{Version: V2, Marker: "m", StartAfter: "s", ContinuationToken: "t"}, "t"},
		{"v2 start after", Params{Version: V2, StartAfter: "s"}, "s"},
		{"v2 none", Params{Version: V2, Marker: "m"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.params.EffectiveCursor())
		})
	}
}

func TestList_DelimiterCommonPrefixes(t *testing.T) {
	all := entries("dir/sub/a.txt", "dir/sub/y.txt", "dir/x.txt")

	page := List(all, Params{Version: V2, Prefix: "dir/", Delimiter: "/", MaxKeys: 1000})
	assert.Equal(t, []string{"dir/x.txt"}, keysOf(page))
	assert.Equal(t, []string{"dir/sub/"}, page.CommonPrefixes)
	assert.Equal(t, 1, page.KeyCount())
	assert.False(t, page.IsTruncated)
}

func TestList_DelimiterAtStartOfRelativeName(t *testing.T) {
	// The delimiter directly after the prefix does not form a common prefix.
	all := entries("a//b", "a/c")
	page := List(all, Params{Version: V2, Prefix: "a/", Delimiter: "/", MaxKeys: 10})
	assert.Equal(t, []string{"a//b", "a/c"}, keysOf(page))
	assert.Empty(t, page.CommonPrefixes)
}

func TestList_EmptyDelimiterMatchesAbsent(t *testing.T) {
	all := entries("a/1", "a/2", "b")
	withEmpty := List(all, Params{Version: V2, Delimiter: "", MaxKeys: 10})
	without := List(all, Params{Version: V2, MaxKeys: 10})
	assert.Equal(t, without, withEmpty)
	assert.Equal(t, []string{"a/1", "a/2", "b"}, keysOf(withEmpty))
}

func TestList_MultiCharacterDelimiter(t *testing.T) {
	all := entries("x--1--a", "x--1--b", "x--2")
	page := List(all, Params{Version: V1, Prefix: "x--", Delimiter: "--", MaxKeys: 10})
	assert.Equal(t, []string{"x--2"}, keysOf(page))
	assert.Equal(t, []string{"x--1--"}, page.CommonPrefixes)
}

func TestList_RootDelimiter(t *testing.T) {
	all := entries("a/1", "b/1", "b/2", "c", "d/e/f")
	page := List(all, Params{Version: V2, Delimiter: "/", MaxKeys: 1000})
	assert.Equal(t, []string{"c"}, keysOf(page))
	assert.Equal(t, []string{"a/", "b/", "d/"}, page.CommonPrefixes)
}

func TestList_PrefixFiltersForeignEntries(t *testing.T) {
	page := List(entries("a", "ab", "b"), Params{Version: V1, Prefix: "a", MaxKeys: 10})
	assert.Equal(t, []string{"a", "ab"}, keysOf(page))
}

func TestList_ZeroMaxKeys(t *testing.T) {
	page := List(entries("a", "b"), Params{Version: V1, MaxKeys: 0})
	assert.Empty(t, page.Contents)
	assert.True(t, page.IsTruncated)
	assert.Empty(t, page.NextMarker)

	page = List(nil, Params{Version: V1, MaxKeys: 0})
	assert.False(t, page.IsTruncated)
}

func TestList_WalkAllPages(t *testing.T) {
	var keys []string
	for i := 0; i < 25; i++ {
		keys = append(keys, fmt.Sprintf("k%03d", i))
	}
	all := entries(keys...)

	var got []string
	params := Params{Version: V2, MaxKeys: 7}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "pagination did not terminate")
		page := List(all, params)
		got = append(got, keysOf(page)...)
		if !page.IsTruncated {
			break
		}
		params.ContinuationToken = page.NextContinuationToken
	}
	assert.Equal(t, keys, got)
}

func TestEncode(t *testing.T) {
	page := List(entries("dir/a b.txt", "dir/sub dir/x", "dir/ü+&"), Params{
		Version:    V2,
		Prefix:     "dir/",
		Delimiter:  "/",
		MaxKeys:    1,
		StartAfter: "dir/0 0",
		URLEncode:  true,
	})
	require.True(t, page.IsTruncated)

	enc := Encode(page)
	assert.Equal(t, []string{"dir/a%20b.txt"}, keysOf(enc))
	assert.Equal(t, "dir/", enc.Params.Prefix)
	assert.Equal(t, "/", enc.Params.Delimiter)
	assert.Equal(t, "dir/0%200", enc.Params.StartAfter)
	// Tokens are opaque and returned verbatim.
	assert.Equal(t, "dir/a b.txt", enc.NextContinuationToken)

	// The original page is untouched.
	assert.Equal(t, "dir/a b.txt", page.Contents[0].Key)
}

func TestEncode_CommonPrefixes(t *testing.T) {
	page := List(entries("my dir/a", "x"), Params{Version: V1, Delimiter: "/", MaxKeys: 10})
	enc := Encode(page)
	assert.Equal(t, []string{"my%20dir/"}, enc.CommonPrefixes)
	assert.Equal(t, "my dir/", page.CommonPrefixes[0])
}

func TestEncodeValue(t *testing.T) {
	tests := map[string]string{
		"":            "",
		"plain":       "plain",
		"a/b/c":       "a/b/c",
		"a b":         "a%20b",
		"a+b":         "a%2Bb",
		"100%":        "100%25",
		"q?x=1&y=2":   "q%3Fx%3D1%26y%3D2",
		"ü":           "%C3%BC",
		"tilde~dash-": "tilde~dash-",
	}
	for in, want := range tests {
		assert.Equal(t, want, EncodeValue(in), "input %q", in)
	}
}
