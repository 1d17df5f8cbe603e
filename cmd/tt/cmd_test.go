package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/mschirtzinger/teamtrack/internal/types"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 6, 11, 15, 30, 0, 0, time.UTC) // a Wednesday

	tests := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"2025-06-01T08:00:00Z", time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"48h", now.Add(-48 * time.Hour)},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if err != nil {
			t.Fatalf("parseSince(%q) failed: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	got, err := parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("parseSince(yesterday) failed: %v", err)
	}
	if y, m, d := got.Date(); y != 2025 || m != time.June || d != 10 {
		t.Errorf("parseSince(yesterday) = %v, want June 10", got)
	}

	if _, err := parseSince("the heat death of the universe", now); err == nil {
		t.Error("expected error for unparseable time")
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"4", "5,6", " 7 "})
	if err != nil {
		t.Fatalf("parseIDs() failed: %v", err)
	}
	want := []int64{4, 5, 6, 7}
	if len(ids) != len(want) {
		t.Fatalf("parseIDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], want[i])
		}
	}

	for _, bad := range []string{"abc", "0", "-3"} {
		if _, err := parseIDs([]string{bad}); err == nil {
			t.Errorf("parseIDs(%q) should fail", bad)
		}
	}
}

func TestSelectUsers(t *testing.T) {
	team := []types.ExternalUser{
		{UniqueName: "ana@contoso.com", DisplayName: "Ana"},
		{UniqueName: "ben@contoso.com", DisplayName: "Ben"},
	}

	selected, missing := selectUsers(team, []string{"ANA@contoso.com", "zoe@contoso.com"})
	if len(selected) != 1 || selected[0].DisplayName != "Ana" {
		t.Errorf("selected = %+v, want Ana only", selected)
	}
	if len(missing) != 1 || missing[0] != "zoe@contoso.com" {
		t.Errorf("missing = %v, want zoe", missing)
	}
}

func TestReadUsersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	data := `[{"unique_name":"ana@contoso.com","display_name":"Ana"}]`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	users, err := readUsersFile(path)
	if err != nil {
		t.Fatalf("readUsersFile() failed: %v", err)
	}
	if len(users) != 1 || users[0].UniqueName != "ana@contoso.com" {
		t.Errorf("users = %+v", users)
	}

	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := readUsersFile(path); err == nil {
		t.Error("expected error for malformed file")
	}
}

func TestApplyConnectionFlags(t *testing.T) {
	flags := pflag.NewFlagSet("set", pflag.ContinueOnError)
	for _, name := range []string{"org", "project-id", "project-name", "team-id", "team-name", "area-path"} {
		flags.String(name, "", "")
	}
	flags.Bool("enabled", true, "")

	if err := flags.Parse([]string{"--team-id", "t2", "--enabled=false"}); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	conn := &types.Connection{Organization: "contoso", ProjectID: "p1", TeamID: "t1", Enabled: true}
	applyConnectionFlags(flags, conn)

	if conn.Organization != "contoso" || conn.ProjectID != "p1" {
		t.Errorf("unset flags overwrote saved values: %+v", conn)
	}
	if conn.TeamID != "t2" {
		t.Errorf("TeamID = %q, want t2", conn.TeamID)
	}
	if conn.Enabled {
		t.Error("Enabled should be false")
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{72 * time.Hour, "3d ago"},
	}
	for _, tt := range tests {
		if got := formatAge(now.Add(-tt.ago), now); got != tt.want {
			t.Errorf("formatAge(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}
