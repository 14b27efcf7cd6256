package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionOf(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"000001_fund_projection.up.sql", "000001"},
		{"000012_risk_events.down.sql", "000012"},
		{"nounderscore.sql", "nounderscore.sql"},
	}
	for _, c := range cases {
		if got := versionOf(c.in); got != c.want {
			t.Errorf("versionOf(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestListFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_tickets.up.sql",
		"000001_fund.up.sql",
		"000001_fund.down.sql",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m := &Migrator{dir: dir}
	files, err := m.listFiles(".up.sql")
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	want := []string{"000001_fund.up.sql", "000002_tickets.up.sql"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, files[i], want[i])
		}
	}
}
