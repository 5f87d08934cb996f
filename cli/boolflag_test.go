package cli

import (
	"os"
	"testing"
)

func TestExecute_BareBoolFlagDoesNotConsumeArgument(t *testing.T) {
	cli := NewCLI()
	var gotOnce string
	var gotArgs []string
	cmd := NewCommand("serve", "Serve command", "v0.0.1", func(ctx *Context) error {
		gotOnce, _ = ctx.GetFlag("once")
		gotArgs = ctx.Args
		return nil
	})
	cmd.Flags = []*Flag{
		{Name: "once", Usage: "run once", Aliases: []string{"once"}, Default: "false", Bool: true},
	}
	cli.AddCommand(cmd)

	os.Args = []string{"cli", "serve", "--once", "host1", "cell1"}
	if err := cli.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotOnce != "true" {
		t.Errorf("once = %q, want true", gotOnce)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "host1" || gotArgs[1] != "cell1" {
		t.Errorf("args = %v, want [host1 cell1] (bool flag must not eat an argument)", gotArgs)
	}
}

func TestExecute_ValueFlagStillConsumesArgument(t *testing.T) {
	cli := NewCLI()
	var gotQueue string
	var gotArgs []string
	cmd := NewCommand("sync", "Sync command", "v0.0.1", func(ctx *Context) error {
		gotQueue, _ = ctx.GetFlag("queue")
		gotArgs = ctx.Args
		return nil
	})
	cmd.Flags = []*Flag{
		{Name: "queue", Usage: "queue name", Aliases: []string{"queue"}, Default: "default"},
	}
	cli.AddCommand(cmd)

	os.Args = []string{"cli", "sync", "--queue", "bulk", "src", "vol"}
	if err := cli.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotQueue != "bulk" {
		t.Errorf("queue = %q, want bulk", gotQueue)
	}
	if len(gotArgs) != 2 {
		t.Errorf("args = %v, want [src vol]", gotArgs)
	}
}
