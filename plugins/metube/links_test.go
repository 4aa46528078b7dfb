package metube

import (
	"reflect"
	"testing"
)

func TestExtractURLs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"no links here", nil},
		{"watch https://youtu.be/abc123", []string{"https://youtu.be/abc123"}},
		{
			"two: https://a.example/x and http://b.example/y.",
			[]string{"https://a.example/x", "http://b.example/y"},
		},
		{
			"dup https://a.example/x https://a.example/x",
			[]string{"https://a.example/x"},
		},
		{
			"(see https://a.example/watch?v=1).",
			[]string{"https://a.example/watch?v=1"},
		},
		{"ftp://old.example/file", nil},
	}
	for _, tc := range cases {
		got := ExtractURLs(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ExtractURLs(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDomainAllowed(t *testing.T) {
	allow := []string{"youtube.com", "Vimeo.com"}
	cases := []struct {
		url  string
		want bool
	}{
		{"https://youtube.com/watch?v=1", true},
		{"https://www.youtube.com/watch?v=1", true},
		{"https://music.youtube.com/x", true},
		{"https://vimeo.com/123", true},
		{"https://notyoutube.com/x", false},
		{"https://youtube.com.evil.example/x", false},
		{"ftp://youtube.com/x", false},
		{"://bad", false},
	}
	for _, tc := range cases {
		if got := DomainAllowed(tc.url, allow); got != tc.want {
			t.Errorf("DomainAllowed(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}

	if !DomainAllowed("https://anything.example/x", nil) {
		t.Fatal("empty allowlist should accept any host")
	}
}
