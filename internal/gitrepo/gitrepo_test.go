package gitrepo

import "testing"

func TestParseShortstat(t *testing.T) {
	cases := []struct {
		in   string
		want ShortstatDiff
	}{
		{
			in:   " 3 files changed, 42 insertions(+), 7 deletions(-)\n",
			want: ShortstatDiff{FilesChanged: 3, Insertions: 42, Deletions: 7},
		},
		{
			in:   " 1 file changed, 1 insertion(+)\n",
			want: ShortstatDiff{FilesChanged: 1, Insertions: 1},
		},
		{
			in:   "",
			want: ShortstatDiff{},
		},
	}
	for _, c := range cases {
		got := parseShortstat(c.in)
		if got != c.want {
			t.Errorf("parseShortstat(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestConflictedFiles(t *testing.T) {
	entries := []StatusEntry{
		{IndexCode: "U", WorktreeCode: "U", Path: "src/a.go"},
		{IndexCode: "M", WorktreeCode: " ", Path: "src/b.go"},
		{IndexCode: "A", WorktreeCode: "A", Path: "src/c.go"},
	}
	got := ConflictedFiles(entries)
	if len(got) != 2 || got[0] != "src/a.go" || got[1] != "src/c.go" {
		t.Fatalf("unexpected conflicted files: %+v", got)
	}
}

func TestMergeUnknownStrategy(t *testing.T) {
	r := New(t.TempDir(), "")
	if err := r.Merge(nil, MergeStrategy("bogus")); err == nil { //nolint:staticcheck // nil ctx short-circuits before use
		t.Fatal("expected error for unknown strategy")
	}
}

func TestMergeRejectsRebaseStrategy(t *testing.T) {
	// The rebase strategy never merges FETCH_HEAD into the current
	// branch; callers drive it via CheckoutNewBranch/Rebase/FastForwardTo.
	r := New(t.TempDir(), "")
	if err := r.Merge(nil, MergeRebase); err == nil { //nolint:staticcheck // nil ctx short-circuits before use
		t.Fatal("expected error for rebase strategy")
	}
}
