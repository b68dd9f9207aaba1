// Command freezer captures and restores filesystem trees as incremental
// backups, rsync-delta or tar based, to a local directory or an HTTP
// object endpoint.
package main

import (
	"context"
	"fmt"
	"os"

	freezer "github.com/freezer-project/freezer"
)

// freezerEngine is an alias of freezer.BackupEngine, the interface the CLI
// drives; named locally so backup.go/restore.go/metadata.go don't each import the
// root package just for this one type.
type freezerEngine = freezer.BackupEngine

func funcmain() error {
	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"backup":   {cmdbackup},
		"restore":  {cmdrestore},
		"metadata": {cmdmetadata},
	}

	args := os.Args[1:]
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "freezer <command> [-flags] [args]\n")
		fmt.Fprintf(os.Stderr, "commands: backup, restore, metadata\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	if verb == "help" {
		fmt.Fprintf(os.Stderr, "freezer <command> [-flags] [args]\n")
		fmt.Fprintf(os.Stderr, "commands: backup, restore, metadata\n")
		fmt.Fprintf(os.Stderr, "use freezer <command> -help for command-specific flags\n")
		return nil
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: freezer <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := freezer.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, rest); err != nil {
		return fmt.Errorf("%s: %v", verb, err)
	}
	return freezer.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
