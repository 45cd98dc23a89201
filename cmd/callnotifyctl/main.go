// Command callnotifyctl drives a running callnotify daemon: it stands in for
// an out-of-process capture surface and mints surface tokens.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/flowpbx/callnotify/internal/action"
	"github.com/flowpbx/callnotify/internal/api/middleware"
	"github.com/flowpbx/callnotify/internal/client"
)

const usage = `usage: callnotifyctl [flags] <command> [args]

commands:
  push <file|->                     deliver a raw push payload
  accept <call-id> [source]         accept a call (source defaults to the token's surface)
  decline <call-id> [source]        decline a call
  end <call-id>                     end a connected call
  call <call-id>                    show a call session
  attach | detach                   report application lifecycle
  refresh-token <token>             report a rotated push token
  mint <surface> <hex-secret> [ttl] sign a surface bearer token

flags:
`

func main() {
	fs := flag.NewFlagSet("callnotifyctl", flag.ContinueOnError)
	addr := fs.String("addr", envOr("CALLNOTIFY_URL", "http://127.0.0.1:8090"), "daemon base URL")
	token := fs.String("token", os.Getenv("CALLNOTIFY_SURFACE_TOKEN"), "surface bearer token")
	sender := fs.String("sender", "callnotifyctl", "push sender id for rate limiting")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*addr, *token, client.WithSender(*sender))
	out, err := run(ctx, c, fs.Args(), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out) //nolint:errcheck
	}
}

var errUsage = errors.New("wrong number of arguments")

// run executes one command and returns what should be printed.
func run(ctx context.Context, c *client.Client, args []string, stdin io.Reader) (any, error) {
	cmd, args := args[0], args[1:]

	switch cmd {
	case "push":
		if len(args) != 1 {
			return nil, errUsage
		}
		payload, err := readPayload(args[0], stdin)
		if err != nil {
			return nil, err
		}
		outcome, err := c.Push(ctx, payload)
		if err != nil {
			return nil, err
		}
		return map[string]string{"outcome": outcome}, nil

	case "accept", "decline":
		if len(args) < 1 || len(args) > 2 {
			return nil, errUsage
		}
		var src action.Source
		if len(args) == 2 {
			src = action.Source(args[1])
		}
		published, err := c.Capture(ctx, args[0], action.Decision(cmd), src)
		if err != nil {
			return nil, err
		}
		return map[string]any{"call_id": args[0], "published": published}, nil

	case "end":
		if len(args) != 1 {
			return nil, errUsage
		}
		return c.EndCall(ctx, args[0])

	case "call":
		if len(args) != 1 {
			return nil, errUsage
		}
		cs, err := c.Call(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if cs == nil {
			return nil, fmt.Errorf("no session for call %s", args[0])
		}
		return cs, nil

	case "attach":
		return c.Attach(ctx)

	case "detach":
		if err := c.Detach(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"attached": false}, nil

	case "refresh-token":
		if len(args) != 1 {
			return nil, errUsage
		}
		return nil, c.RefreshToken(ctx, args[0])

	case "mint":
		if len(args) < 2 || len(args) > 3 {
			return nil, errUsage
		}
		return mint(args)

	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

func mint(args []string) (any, error) {
	surface := action.Source(args[0])
	if !surface.Valid() || surface == action.SourceTimeout {
		return nil, fmt.Errorf("surface must be one of in_app_ui, full_screen_ui, notification_action")
	}
	secret, err := hex.DecodeString(args[1])
	if err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}
	var ttl time.Duration
	if len(args) == 3 {
		if ttl, err = time.ParseDuration(args[2]); err != nil {
			return nil, fmt.Errorf("parsing ttl: %w", err)
		}
	}
	tok, err := middleware.GenerateSurfaceToken(secret, string(surface), ttl)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return map[string]string{"surface": string(surface), "token": tok}, nil
}

// readPayload reads a push body from path, or stdin when path is "-".
func readPayload(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return b, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
