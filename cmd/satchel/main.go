// ABOUTME: satchel is the operator CLI for the offline sync engine.
// ABOUTME: Inspects the write queue, drains it, and resolves conflicts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/satchel-sync/satchel/offline"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}
	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(args)
	case "status":
		err = cmdStatus(args)
	case "drain":
		err = cmdDrain(args)
	case "conflicts":
		err = cmdConflicts(args)
	case "resolve":
		err = cmdResolve(args)
	case "retry":
		err = cmdRetry(args)
	case "prune":
		err = cmdPrune(args)
	case "upload":
		err = cmdUpload(args)
	default:
		usage()
		return
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "satchel commands: init | status | drain | conflicts | resolve | retry | prune | upload\n")
}

// withEngine opens the engine from the saved config, runs fn, and closes it.
func withEngine(fn func(context.Context, *offline.Engine) error) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Server == "" {
		return fmt.Errorf("no server configured; run 'satchel init --server URL' first")
	}
	key, err := cfg.masterKey()
	if err != nil {
		return err
	}

	engine, err := offline.Open(offline.Config{
		BaseURL:   cfg.Server,
		AuthToken: cfg.Token,
		DeviceID:  cfg.DeviceID,
		StoreDir:  cfg.StoreDir,
		MasterKey: key,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		return err
	}
	var closeErr error
	defer func() {
		if cerr := engine.Close(); cerr != nil && closeErr == nil {
			closeErr = cerr
		}
	}()
	if err := fn(context.Background(), engine); err != nil {
		return err
	}
	return closeErr
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	server := fs.String("server", "", "sync server base URL")
	force := fs.Bool("force", false, "overwrite an existing config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if ConfigExists() && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", ConfigPath())
	}
	_, err := InitConfig(*server)
	return err
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		st, err := e.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending\t%d\n", st.Pending)
		fmt.Printf("conflicts\t%d\n", st.Conflicts)
		fmt.Printf("failed\t%d\n", st.Failed)
		return nil
	})
}

func cmdDrain(args []string) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		stats, err := e.Drain(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("delivered=%d conflicts=%d failed=%d skipped=%d\n",
			stats.Delivered, stats.Conflicts, stats.Failed, stats.Skipped)
		return nil
	})
}

func cmdConflicts(args []string) error {
	fs := flag.NewFlagSet("conflicts", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		views, err := e.Resolver.Conflicts(ctx)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("no conflicts")
			return nil
		}
		for _, v := range views {
			fmt.Printf("%s %s %s/%s (%s)\n", v.Write.ID, v.Write.Op, v.Write.EntityType, v.Write.EntityID, v.Reason)
			fmt.Println("  local:")
			fmt.Println(indentJSON(v.LocalPayload, "    "))
			fmt.Println("  server:")
			fmt.Println(indentJSON(v.ServerSnapshot, "    "))
		}
		return nil
	})
}

func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	id := fs.String("id", "", "conflicted write id")
	keep := fs.String("keep", "", "which version wins: local or server")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id required")
	}

	var choice offline.Choice
	switch *keep {
	case "local":
		choice = offline.KeepLocal
	case "server":
		choice = offline.KeepServer
	default:
		return fmt.Errorf("--keep must be 'local' or 'server'")
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		if err := e.Resolver.Resolve(ctx, *id, choice); err != nil {
			return err
		}
		fmt.Printf("resolved %s keeping %s\n", *id, *keep)
		return nil
	})
}

func cmdRetry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		n, err := e.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("re-armed %d failed writes\n", n)
		if n == 0 {
			return nil
		}
		stats, err := e.Drain(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("delivered=%d conflicts=%d failed=%d\n", stats.Delivered, stats.Conflicts, stats.Failed)
		return nil
	})
}

func cmdPrune(args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	keep := fs.Int("keep", 100, "number of newest pending writes to keep")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keep < 0 {
		return fmt.Errorf("--keep must be non-negative")
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		n, err := e.Store.PruneOldest(ctx, *keep)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d writes\n", n)
		return nil
	})
}

func cmdUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	file := fs.String("file", "", "path of the file to upload")
	folder := fs.String("folder", "", "destination folder id")
	mime := fs.String("mime", "", "MIME type (default: application/octet-stream)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file required")
	}

	return withEngine(func(ctx context.Context, e *offline.Engine) error {
		done := make(chan error, 1)
		var fileID string

		_, err := e.Uploads.StartUpload(offline.UploadRequest{
			SourcePath:        *file,
			Filename:          filepath.Base(*file),
			MimeType:          *mime,
			DestinationFolder: *folder,
		}, func(frac float64) {
			fmt.Fprintf(os.Stderr, "\r%3.0f%%", frac*100)
		}, func(id string, err error) {
			fileID = id
			done <- err
		})
		if err != nil {
			return err
		}

		if err := <-done; err != nil {
			fmt.Fprintln(os.Stderr)
			return err
		}
		fmt.Fprintln(os.Stderr)
		fmt.Println(fileID)
		return nil
	})
}

func indentJSON(raw json.RawMessage, prefix string) string {
	if len(raw) == 0 {
		return prefix + "<empty>"
	}
	var buf bytes.Buffer
	buf.WriteString(prefix)
	if err := json.Indent(&buf, raw, prefix, "  "); err != nil {
		return prefix + string(raw)
	}
	return buf.String()
}
