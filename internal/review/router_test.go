package review

import (
	"reflect"
	"testing"
)

func TestRouter_SuggestByPath(t *testing.T) {
	router, err := NewRouter([]string{"fallback"}, map[string][]string{
		"internal/store/**": {"db-team"},
		"docs/**":           {"docs-team", "db-team"},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := router.Suggest([]string{"internal/store/task_store.go", "docs/readme.md"})
	want := []string{"db-team", "docs-team"}
	if !reflect.DeepEqual(s.Reviewers, want) {
		t.Errorf("Expected reviewers %v, got %v", want, s.Reviewers)
	}
	wantPatterns := []string{"docs/**", "internal/store/**"}
	if !reflect.DeepEqual(s.Matched, wantPatterns) {
		t.Errorf("Expected matched patterns %v, got %v", wantPatterns, s.Matched)
	}
}

func TestRouter_SuggestFallback(t *testing.T) {
	router, err := NewRouter([]string{"oncall"}, map[string][]string{
		"internal/**": {"core-team"},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := router.Suggest([]string{"README.md"})
	if !reflect.DeepEqual(s.Reviewers, []string{"oncall"}) {
		t.Errorf("Expected fallback reviewers, got %v", s.Reviewers)
	}
	if len(s.Matched) != 0 {
		t.Errorf("Expected no matched patterns, got %v", s.Matched)
	}
}

func TestRouter_SeparatorRespected(t *testing.T) {
	router, err := NewRouter(nil, map[string][]string{
		"internal/*": {"shallow"},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := router.Suggest([]string{"internal/api/handler.go"})
	if len(s.Reviewers) != 0 {
		t.Errorf("Single-star pattern should not cross '/', got %v", s.Reviewers)
	}

	s = router.Suggest([]string{"internal/config.go"})
	if !reflect.DeepEqual(s.Reviewers, []string{"shallow"}) {
		t.Errorf("Expected single-level match, got %v", s.Reviewers)
	}
}

func TestRouter_InvalidPattern(t *testing.T) {
	_, err := NewRouter(nil, map[string][]string{"[": {"x"}})
	if err == nil {
		t.Error("Expected error for invalid glob pattern")
	}
}
