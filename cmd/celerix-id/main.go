package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/celerix-dev/celerix-identity/internal/auth"
	"github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/internal/storage/sqlite"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	pkgengine "github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/sdk"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		if code := pkgengine.CodeOf(err); code != "" {
			fmt.Fprintln(os.Stderr, "code:", code)
		}
		os.Exit(1)
	}
}

type globals struct {
	addr       string
	token      string
	disableTLS bool
	embedded   bool
	dataDir    string
	as         string
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("celerix-id", flag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(io.Discard)

	var g globals
	fs.StringVar(&g.addr, "addr", envOr(sdk.EnvAddr, "localhost:7101"), "daemon address")
	fs.StringVar(&g.token, "token", os.Getenv(sdk.EnvToken), "caller token for mutations")
	fs.BoolVar(&g.disableTLS, "no-tls", os.Getenv(sdk.EnvDisableTLS) == "true", "dial plain TCP")
	fs.BoolVar(&g.embedded, "embedded", false, "operate on a local data directory instead of a daemon")
	fs.StringVar(&g.dataDir, "data-dir", "./data", "data directory for --embedded")
	fs.StringVar(&g.as, "as", "", "caller principal for --embedded")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return errUsage
	}
	command, args := strings.ToLower(rest[0]), rest[1:]

	// commands that need no store
	switch command {
	case "cid":
		return runCID(args, out)
	case "token":
		return runToken(args, out)
	case "migrate":
		return runMigrate(args, out)
	case "help":
		printUsage(out)
		return nil
	}

	store, err := g.open()
	if err != nil {
		return err
	}
	defer store.Close()

	switch command {
	case "ping":
		c, ok := store.(*sdk.Client)
		if !ok {
			fmt.Fprintln(out, "PONG")
			return nil
		}
		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Fprintln(out, "PONG")
		return nil
	case "identity":
		return runIdentity(store, args, out)
	case "grant":
		return runGrant(store, args, out)
	case "guardian":
		return runGuardian(store, args, out)
	case "audit":
		return runAudit(store, args, out)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, command)
}

func (g globals) open() (sdk.IdentityStore, error) {
	if g.embedded {
		var caller pkgengine.Principal
		if g.as != "" {
			p, err := pkgengine.ParsePrincipal(g.as)
			if err != nil {
				return nil, err
			}
			caller = p
		}
		local, err := sdk.OpenEmbedded(g.dataDir, caller, nil)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	client, err := sdk.Connect(g.addr, sdk.Options{DisableTLS: g.disableTLS, Token: g.token})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", g.addr, err)
	}
	return client, nil
}

func runIdentity(s sdk.IdentityStore, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "register", "update":
		if len(args) < 1 {
			return errUsage
		}
		c, err := pkgengine.ParseCommitment(args[0])
		if err != nil {
			return err
		}
		if sub == "register" {
			return printJSON(out)(s.Register(c))
		}
		return printJSON(out)(s.Update(c))
	case "recover":
		if len(args) < 2 {
			return errUsage
		}
		owner, err := pkgengine.ParsePrincipal(args[0])
		if err != nil {
			return err
		}
		c, err := pkgengine.ParseCommitment(args[1])
		if err != nil {
			return err
		}
		return printJSON(out)(s.Recover(owner, c))
	case "exists", "commitment", "show":
		if len(args) < 1 {
			return errUsage
		}
		p, err := pkgengine.ParsePrincipal(args[0])
		if err != nil {
			return err
		}
		switch sub {
		case "exists":
			return printJSON(out)(s.Exists(p))
		case "commitment":
			c, err := s.GetCommitment(p)
			if err != nil {
				return err
			}
			return printJSON(out)(map[string]any{"commitment": c, "cid": cid.EncodeCommitment(c)}, nil)
		default:
			return printJSON(out)(s.Identity(p))
		}
	}
	return fmt.Errorf("%w: unknown identity command %q", errUsage, sub)
}

func runGrant(s sdk.IdentityStore, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	sub := args[0]
	first, err := pkgengine.ParsePrincipal(args[1])
	if err != nil {
		return err
	}
	switch sub {
	case "add":
		if len(args) < 3 {
			return errUsage
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return pkgengine.Wrap(pkgengine.CodeInvalidDuration, "parse duration "+args[2], err)
		}
		return printJSON(out)(s.Grant(first, seconds))
	case "revoke":
		if err := s.Revoke(first); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	case "list":
		return printJSON(out)(s.Grants(first))
	case "check", "get":
		if len(args) < 3 {
			return errUsage
		}
		accessor, err := pkgengine.ParsePrincipal(args[2])
		if err != nil {
			return err
		}
		if sub == "check" {
			return printJSON(out)(s.CheckAccess(first, accessor))
		}
		return printJSON(out)(s.GetGrant(first, accessor))
	}
	return fmt.Errorf("%w: unknown grant command %q", errUsage, sub)
}

func runGuardian(s sdk.IdentityStore, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	p, err := pkgengine.ParsePrincipal(args[1])
	if err != nil {
		return err
	}
	switch args[0] {
	case "add":
		err = s.AddGuardian(p)
	case "remove":
		err = s.RemoveGuardian(p)
	case "list":
		list, err := s.Guardians(p)
		if list == nil {
			list = []pkgengine.Principal{}
		}
		return printJSON(out)(list, err)
	default:
		return fmt.Errorf("%w: unknown guardian command %q", errUsage, args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

func runAudit(s sdk.IdentityStore, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	owner, err := pkgengine.ParsePrincipal(args[1])
	if err != nil {
		return err
	}
	switch args[0] {
	case "list":
		return printJSON(out)(s.Audit(owner))
	case "stats":
		return printJSON(out)(s.AuditStats(owner))
	}
	return fmt.Errorf("%w: unknown audit command %q", errUsage, args[0])
}

func runCID(args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	switch args[0] {
	case "encode":
		c, err := pkgengine.ParseCommitment(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, cid.EncodeCommitment(c))
		return nil
	case "decode":
		c, err := cid.Decode(cid.ContentID(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, c)
		return nil
	}
	return fmt.Errorf("%w: unknown cid command %q", errUsage, args[0])
}

// runToken mints a caller token with the daemon's shared secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	secret := fs.String("secret", os.Getenv("CELERIX_ID_TOKEN_SECRET"), "token signing secret")
	issuer := fs.String("issuer", envOr("CELERIX_ID_TOKEN_ISSUER", "celerix-identityd"), "token issuer")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	p, err := pkgengine.ParsePrincipal(fs.Arg(0))
	if err != nil {
		return err
	}
	a, err := auth.NewAuthority(auth.Config{Secret: []byte(*secret), Issuer: *issuer, TTL: *ttl})
	if err != nil {
		return err
	}
	token, err := a.Issue(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// runMigrate copies every table from one persister to another. Locations
// are json:<dir> or sqlite:<file>.
func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	from := fs.String("from", "", "source, json:<dir> or sqlite:<file>")
	to := fs.String("to", "", "destination, json:<dir> or sqlite:<file>")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *from == "" || *to == "" {
		return errUsage
	}

	src, closeSrc, err := openLocation(*from)
	if err != nil {
		return err
	}
	defer closeSrc()
	dst, closeDst, err := openLocation(*to)
	if err != nil {
		return err
	}
	defer closeDst()

	if err := engine.Migrate(src, dst); err != nil {
		return err
	}
	fmt.Fprintf(out, "migrated %s -> %s\n", *from, *to)
	return nil
}

func openLocation(loc string) (engine.Persister, func(), error) {
	kind, path, ok := strings.Cut(loc, ":")
	if !ok || path == "" {
		return nil, nil, fmt.Errorf("%w: location %q must be json:<dir> or sqlite:<file>", errUsage, loc)
	}
	switch kind {
	case "json":
		p, err := engine.NewPersistence(path, nil)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	case "sqlite":
		s, err := sqlite.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown storage %q", errUsage, kind)
}

// printJSON returns a func that prints a (value, error) pair, so callers
// can pass a store call straight through.
func printJSON(out io.Writer) func(v any, err error) error {
	return func(v any, err error) error {
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
		return nil
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "celerix-id - client for the Celerix identity service")
	fmt.Fprintln(w, "\nUsage:")
	fmt.Fprintln(w, "  celerix-id [--addr host:port] [--token T] [--no-tls] <command>")
	fmt.Fprintln(w, "  celerix-id --embedded --data-dir DIR [--as PRINCIPAL] <command>")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  identity register|update <commitment>")
	fmt.Fprintln(w, "  identity recover <owner> <commitment>")
	fmt.Fprintln(w, "  identity exists|commitment|show <principal>")
	fmt.Fprintln(w, "  grant add <accessor> <seconds>")
	fmt.Fprintln(w, "  grant revoke <accessor>")
	fmt.Fprintln(w, "  grant check|get <owner> <accessor>")
	fmt.Fprintln(w, "  grant list <owner>")
	fmt.Fprintln(w, "  guardian add|remove <guardian>")
	fmt.Fprintln(w, "  guardian list <owner>")
	fmt.Fprintln(w, "  audit list|stats <owner>")
	fmt.Fprintln(w, "  cid encode <commitment> | cid decode <cid>")
	fmt.Fprintln(w, "  token [--secret S] [--ttl 1h] <principal>")
	fmt.Fprintln(w, "  migrate --from json:<dir> --to sqlite:<file>")
	fmt.Fprintln(w, "  ping")
	fmt.Fprintln(w, "\nEnvironment Variables:")
	fmt.Fprintln(w, "  CELERIX_ID_ADDR          Address of the daemon (default: localhost:7101)")
	fmt.Fprintln(w, "  CELERIX_ID_TOKEN         Caller token")
	fmt.Fprintln(w, "  CELERIX_ID_DISABLE_TLS   Set to true to disable TLS")
	fmt.Fprintln(w, "  CELERIX_ID_TOKEN_SECRET  Secret used by the token command")
}
