package hooks

import (
	"context"
	"testing"
)

func TestRunFilterInclude(t *testing.T) {
	d, err := RunFilter(context.Background(), `sh -c "echo include"`, FilterRequest{Volume: "vol.a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != Include {
		t.Errorf("got %v, want Include", d)
	}
}

func TestRunFilterRejectsGarbageOutput(t *testing.T) {
	_, err := RunFilter(context.Background(), `sh -c "echo maybe"`, FilterRequest{Volume: "vol.a"})
	if err == nil {
		t.Fatal("expected error for unrecognized output")
	}
}

func TestRunFilterPassesEnv(t *testing.T) {
	d, err := RunFilter(context.Background(), `sh -c "test \"$CELLCC_FILTER_VOLUME\" = vol.a && echo include || echo exclude"`,
		FilterRequest{Volume: "vol.a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != Include {
		t.Errorf("got %v, want Include", d)
	}
}

func TestRunSitePickerParsesLines(t *testing.T) {
	rw, ro, err := RunSitePicker(context.Background(), `sh -c "echo server1 /vicepa; echo server2 /vicepb"`, PickerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rw.Server != "server1" || rw.Partition != "/vicepa" {
		t.Errorf("rw = %+v, want server1 /vicepa", rw)
	}
	if len(ro) != 1 || ro[0].Server != "server2" {
		t.Errorf("ro = %+v, want [{server2 /vicepb}]", ro)
	}
}

func TestRunSitePickerRejectsEmptyOutput(t *testing.T) {
	_, _, err := RunSitePicker(context.Background(), `sh -c "true"`, PickerRequest{})
	if err == nil {
		t.Fatal("expected error for empty output")
	}
}
