package fsadmin

import "testing"

func TestDumpPathRejectsPathSeparators(t *testing.T) {
	cases := []string{"", "a/b", "a\\b", ".", ".."}
	for _, c := range cases {
		if _, err := DumpPath("/scratch", c); err == nil {
			t.Errorf("DumpPath(%q): want error", c)
		}
	}
}

func TestDumpPathJoinsScratchDir(t *testing.T) {
	got, err := DumpPath("/scratch", "dump-12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/scratch/dump-12345"
	if got != want {
		t.Errorf("DumpPath() = %q, want %q", got, want)
	}
}

func TestParseSiteStatus(t *testing.T) {
	out := "server1 /vicepa RW\n" +
		"# comment\n" +
		"\n" +
		"server2 /vicepb RO locked\n" +
		"server3 /vicepc BK stale\n"
	sites, err := parseSiteStatus(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sites) != 3 {
		t.Fatalf("got %d sites, want 3", len(sites))
	}
	if sites[0].Type != SiteRW || sites[0].Locked || sites[0].Stale {
		t.Errorf("sites[0] = %+v, want RW unlocked not-stale", sites[0])
	}
	if sites[1].Type != SiteRO || !sites[1].Locked {
		t.Errorf("sites[1] = %+v, want RO locked", sites[1])
	}
	if sites[2].Type != SiteBK || !sites[2].Stale {
		t.Errorf("sites[2] = %+v, want BK stale", sites[2])
	}
}

func TestParseSiteStatusRejectsMalformedLine(t *testing.T) {
	if _, err := parseSiteStatus("only-one-field\n"); err == nil {
		t.Error("expected error for malformed line")
	}
}
