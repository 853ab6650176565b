package apiviews

import (
	"fmt"
	"testing"
)

func TestExtractTargetID(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		basePath string
		wantID   int64
		wantOK   bool
	}{
		{name: "slug and id", path: "/t/welcome-to-the-forum/42", wantID: 42, wantOK: true},
		{name: "id only", path: "/t/42", wantID: 42, wantOK: true},
		{name: "trailing slash", path: "/t/welcome/42/", wantID: 42, wantOK: true},
		{name: "post number after id", path: "/t/welcome/42/3", wantID: 42, wantOK: true},
		{name: "json suffix", path: "/t/42.json", wantID: 42, wantOK: true},
		{name: "slug with json suffix", path: "/t/welcome/42.json", wantID: 42, wantOK: true},
		{name: "numeric slug takes first segment as slug", path: "/t/42/3", wantID: 3, wantOK: true},
		{name: "slug without id", path: "/t/welcome", wantOK: false},
		{name: "slug with non-numeric suffix", path: "/t/welcome/latest", wantOK: false},
		{name: "zero id", path: "/t/welcome/0", wantOK: false},
		{name: "zero id only", path: "/t/0", wantOK: false},
		{name: "id overflows int64", path: "/t/99999999999999999999", wantOK: false},
		{name: "not a topic path", path: "/posts/42", wantOK: false},
		{name: "topic path not at root", path: "/api/t/42", wantOK: false},
		{name: "empty path", path: "", wantOK: false},
		{name: "base path prefix", path: "/forum/t/slug/7", basePath: "/forum", wantID: 7, wantOK: true},
		{name: "base path is optional", path: "/t/7", basePath: "/forum", wantID: 7, wantOK: true},
		{name: "base path with trailing slash", path: "/forum/t/7", basePath: "/forum/", wantID: 7, wantOK: true},
		{name: "other prefix with base path", path: "/other/t/7", basePath: "/forum", wantOK: false},
		{name: "base path is quoted", path: "/f.rum/t/7", basePath: "/f.rum", wantID: 7, wantOK: true},
		{name: "base path metacharacters do not match", path: "/fxrum/t/7", basePath: "/f.rum", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := ExtractTargetID(tt.path, tt.basePath)
			if ok != tt.wantOK {
				t.Fatalf("ExtractTargetID(%q, %q) ok = %v, want %v", tt.path, tt.basePath, ok, tt.wantOK)
			}
			if id != tt.wantID {
				t.Errorf("ExtractTargetID(%q, %q) = %d, want %d", tt.path, tt.basePath, id, tt.wantID)
			}
		})
	}
}

func TestExtractTargetID_AnyPositiveID(t *testing.T) {
	ids := []int64{1, 9, 10, 42, 1000, 123456789, 9223372036854775807}
	for _, id := range ids {
		for _, path := range []string{fmt.Sprintf("/t/%d", id), fmt.Sprintf("/t/some-slug/%d", id)} {
			got, ok := ExtractTargetID(path, "")
			if !ok || got != id {
				t.Errorf("ExtractTargetID(%q) = %d, %v, want %d, true", path, got, ok, id)
			}
		}
	}
}
