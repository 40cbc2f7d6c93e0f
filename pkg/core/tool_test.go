package core

import "testing"

func TestDeriveCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tool string
		want string
	}{
		{name: "underscore separator", tool: "file_read", want: "file"},
		{name: "hyphen separator", tool: "git-commit", want: "git"},
		{name: "slash separator", tool: "search/web", want: "search"},
		{name: "mixed case prefix", tool: "Web_fetch", want: "web"},
		{name: "no separator", tool: "ping", want: "general"},
		{name: "leading separator", tool: "_private", want: "general"},
		{name: "empty", tool: "", want: "general"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DeriveCategory(tt.tool); got != tt.want {
				t.Errorf("DeriveCategory(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestToolDecorate(t *testing.T) {
	t.Parallel()

	tool := Tool{Name: "file_read"}
	tool.Decorate("s1", "files")

	if tool.ServerID != "s1" || tool.ServerName != "files" {
		t.Errorf("server identity not set: %+v", tool)
	}
	if tool.Category != "file" {
		t.Errorf("Category = %v, want file", tool.Category)
	}
	if len(tool.Tags) != 2 || tool.Tags[0] != "files" || tool.Tags[1] != "file" {
		t.Errorf("Tags = %v, want [files file]", tool.Tags)
	}

	// Decorate must not clobber fields the server already provided.
	custom := Tool{Name: "file_read", Category: "io", Tags: []string{"keep"}}
	custom.Decorate("s1", "files")
	if custom.Category != "io" || custom.Tags[0] != "keep" {
		t.Errorf("Decorate overwrote provided fields: %+v", custom)
	}
}

func TestToolMatchesQuery(t *testing.T) {
	t.Parallel()

	tool := Tool{
		Name:        "file_read",
		Description: "Reads a file from disk",
		Tags:        []string{"files", "io"},
	}

	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{name: "name substring", query: "read", want: true},
		{name: "case-insensitive name", query: "FILE_", want: true},
		{name: "description substring", query: "disk", want: true},
		{name: "tag substring", query: "io", want: true},
		{name: "empty matches all", query: "", want: true},
		{name: "whitespace matches all", query: "   ", want: true},
		{name: "miss", query: "network", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tool.MatchesQuery(tt.query); got != tt.want {
				t.Errorf("MatchesQuery(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestToolRecordUsage(t *testing.T) {
	t.Parallel()

	tool := Tool{Name: "ping"}
	tool.RecordUsage()
	tool.RecordUsage()

	if tool.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", tool.UsageCount)
	}
	if tool.LastUsedAt == nil {
		t.Error("LastUsedAt not stamped")
	}
}

func TestSortToolsByName(t *testing.T) {
	t.Parallel()

	tools := []Tool{
		{ServerID: "s2", Name: "b"},
		{ServerID: "s1", Name: "z"},
		{ServerID: "s1", Name: "a"},
	}
	SortToolsByName(tools)

	want := []struct{ server, name string }{
		{"s1", "a"}, {"s1", "z"}, {"s2", "b"},
	}
	for i, tool := range tools {
		if tool.ServerID != want[i].server || tool.Name != want[i].name {
			t.Errorf("tools[%d] = %s/%s, want %s/%s", i, tool.ServerID, tool.Name, want[i].server, want[i].name)
		}
	}
}
