package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"xdao.co/capres/advert"
	"xdao.co/capres/conflict"
	"xdao.co/capres/envelope"
	"xdao.co/capres/invoke"
	"xdao.co/capres/keys"
	"xdao.co/capres/store"
	"xdao.co/capres/token"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "key":
		return cmdKey(args[1:], out, errOut)
	case "advert":
		return cmdAdvert(args[1:], out, errOut)
	case "store":
		return cmdStore(args[1:], out, errOut)
	case "detect":
		return cmdDetect(args[1:], out, errOut)
	case "resolve":
		return cmdResolve(args[1:], out, errOut)
	case "token":
		return cmdToken(args[1:], out, errOut)
	case "invoke":
		return cmdInvoke(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "capres: capability advertisement, conflict detection, and invocation CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  capres key init --name <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  capres key derive --from <name> --subject <subject> [--force]")
	fmt.Fprintln(w, "  capres key list")
	fmt.Fprintln(w, "  capres advert sign --name <cap> --uri <cap://...> --version <semver> --type-signature <sig> --endpoint <host:port> (--seed-hex <64hex> | --signer <name> [--signer-subject <s>]) [--supersedes <CID>] [--backward-compatible-with <major>]")
	fmt.Fprintln(w, "  capres advert cid <file>")
	fmt.Fprintln(w, "  capres advert verify <file>")
	fmt.Fprintln(w, "  capres store put --dir <dir> <file>")
	fmt.Fprintln(w, "  capres store list --dir <dir>")
	fmt.Fprintln(w, "  capres detect --dir <dir> [--client <name>=<version> ...]")
	fmt.Fprintln(w, "  capres resolve --dir <dir> --name <cap> --constraint <range>")
	fmt.Fprintln(w, "  capres token issue --seed-hex <64hex> --subject <signer-key> --capability <name> [--capability ...] [--ttl <dur>]")
	fmt.Fprintln(w, "  capres invoke --endpoint <host:port> --capability <name> --token <compact> (--seed-hex <64hex> | --signer <name>) [--provider-key <signer-key>] [--caller-version <semver>] [--arg k=kind:value ...]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - --seed-hex must be 32 bytes (64 hex chars) ed25519 seed")
	fmt.Fprintln(w, "  - keys are stored under ~/.capres/keys (0600 private key files)")
	fmt.Fprintln(w, "  - advert sign writes canonical CAAF bytes to stdout (no trailing newline)")
	fmt.Fprintln(w, "  - arg kinds: string, int, float, bool, bytes (base64 value)")
}

func cmdKey(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: capres key <init|derive|list> ...")
		return 2
	}
	dir, err := keys.DefaultDirectory()
	if err != nil {
		fmt.Fprintf(errOut, "key directory: %v\n", err)
		return 1
	}
	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "open key store: %v\n", err)
		return 1
	}

	switch args[0] {
	case "init":
		fs := flag.NewFlagSet("key init", flag.ContinueOnError)
		fs.SetOutput(errOut)
		name := fs.String("name", "", "Key name")
		seedHex := fs.String("seed-hex", "", "32-byte hex seed (generated when omitted)")
		force := fs.Bool("force", false, "Overwrite an existing key")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *name == "" {
			fmt.Fprintln(errOut, "usage: capres key init --name <name> [--seed-hex <64hex>] [--force]")
			return 2
		}
		var seed []byte
		if *seedHex != "" {
			seed, err = keys.ParseSeedHex(*seedHex)
			if err != nil {
				fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
				return 2
			}
		}
		signerKey, path, err := ks.InitializeRoot(*name, seed, *force)
		if err != nil {
			fmt.Fprintf(errOut, "init key: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "%s\t%s\n", signerKey, path)
		return 0
	case "derive":
		fs := flag.NewFlagSet("key derive", flag.ContinueOnError)
		fs.SetOutput(errOut)
		from := fs.String("from", "", "Root key name")
		subject := fs.String("subject", "", "Subject to derive for")
		force := fs.Bool("force", false, "Overwrite an existing key")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *from == "" || *subject == "" {
			fmt.Fprintln(errOut, "usage: capres key derive --from <name> --subject <subject> [--force]")
			return 2
		}
		signerKey, path, err := ks.DeriveSubjectKey(*from, *subject, *force)
		if err != nil {
			fmt.Fprintf(errOut, "derive key: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "%s\t%s\n", signerKey, path)
		return 0
	case "list":
		entries, err := ks.ListKeys()
		if err != nil {
			fmt.Fprintf(errOut, "list keys: %v\n", err)
			return 1
		}
		for _, e := range entries {
			kp, err := ks.LoadKeypair(e.Name, "")
			if err != nil {
				fmt.Fprintf(errOut, "load %s: %v\n", e.Name, err)
				return 1
			}
			fmt.Fprintf(out, "%s\t%s\n", e.Name, kp.SignerKey())
			for _, subject := range e.Subjects {
				skp, err := ks.LoadKeypair(e.Name, subject)
				if err != nil {
					fmt.Fprintf(errOut, "load %s/%s: %v\n", e.Name, subject, err)
					return 1
				}
				fmt.Fprintf(out, "%s/%s\t%s\n", e.Name, subject, skp.SignerKey())
			}
		}
		return 0
	default:
		fmt.Fprintf(errOut, "unknown key subcommand: %s\n", args[0])
		return 2
	}
}

func loadSigner(ks *keys.KeyStore, seedHex, signer, subject string) (*keys.Keypair, error) {
	if seedHex != "" {
		seed, err := keys.ParseSeedHex(seedHex)
		if err != nil {
			return nil, err
		}
		return keys.Ed25519FromSeed(seed)
	}
	if signer == "" {
		return nil, errors.New("either --seed-hex or --signer is required")
	}
	return ks.LoadKeypair(signer, subject)
}

func cmdAdvert(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: capres advert <sign|cid|verify> ...")
		return 2
	}
	switch args[0] {
	case "sign":
		fs := flag.NewFlagSet("advert sign", flag.ContinueOnError)
		fs.SetOutput(errOut)
		name := fs.String("name", "", "Capability name")
		uri := fs.String("uri", "", "Capability URI (cap://<authority>/<path>)")
		version := fs.String("version", "", "Semantic version")
		typeSig := fs.String("type-signature", "", "Operation type signature")
		endpoint := fs.String("endpoint", "", "Provider endpoint")
		supersedes := fs.String("supersedes", "", "CID of the advertisement this one replaces")
		backward := fs.String("backward-compatible-with", "", "Oldest supported client major version")
		seedHex := fs.String("seed-hex", "", "32-byte hex seed")
		signer := fs.String("signer", "", "Key store signer name")
		signerSubject := fs.String("signer-subject", "", "Key store signer subject")
		hashAlg := fs.String("hash-alg", keys.HashSHA256, "Digest algorithm")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *name == "" || *uri == "" || *version == "" || *typeSig == "" || *endpoint == "" {
			fmt.Fprintln(errOut, "advert sign requires --name, --uri, --version, --type-signature, --endpoint")
			return 2
		}
		dir, err := keys.DefaultDirectory()
		if err != nil {
			fmt.Fprintf(errOut, "key directory: %v\n", err)
			return 1
		}
		ks, err := keys.OpenKeyStore(dir)
		if err != nil {
			fmt.Fprintf(errOut, "open key store: %v\n", err)
			return 1
		}
		kp, err := loadSigner(ks, *seedHex, *signer, *signerSubject)
		if err != nil {
			fmt.Fprintf(errOut, "load signer: %v\n", err)
			return 1
		}
		capability := map[string]string{
			"Name":           *name,
			"URI":            *uri,
			"Version":        *version,
			"Type-Signature": *typeSig,
		}
		if *supersedes != "" {
			capability["Supersedes"] = *supersedes
		}
		if *backward != "" {
			capability["Backward-Compatible-With"] = *backward
		}
		doc := advert.Document{
			Meta:       map[string]string{"Spec": advert.SpecID, "Version": "1"},
			Capability: capability,
			Provider:   map[string]string{"Endpoint": *endpoint},
		}
		raw, err := advert.Sign(doc, kp, *hashAlg)
		if err != nil {
			fmt.Fprintf(errOut, "sign advertisement: %v\n", err)
			return 1
		}
		_, _ = out.Write(raw)
		return 0
	case "cid":
		if len(args) != 2 {
			fmt.Fprintln(errOut, "usage: capres advert cid <file>")
			return 2
		}
		b, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(errOut, "read advertisement: %v\n", err)
			return 1
		}
		a, err := advert.Parse(b)
		if err != nil {
			fmt.Fprintf(errOut, "invalid advertisement: %v\n", err)
			return 1
		}
		fmt.Fprintln(out, a.CID())
		return 0
	case "verify":
		if len(args) != 2 {
			fmt.Fprintln(errOut, "usage: capres advert verify <file>")
			return 2
		}
		b, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(errOut, "read advertisement: %v\n", err)
			return 1
		}
		a, err := advert.Parse(b)
		if err != nil {
			fmt.Fprintf(errOut, "invalid advertisement: %v\n", err)
			return 1
		}
		if err := advert.ValidateCore(a); err != nil {
			fmt.Fprintf(errOut, "core validation failed: %v\n", err)
			return 1
		}
		if err := a.Verify(); err != nil {
			fmt.Fprintf(errOut, "signature verification failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "OK %s\n", a.CID())
		return 0
	default:
		fmt.Fprintf(errOut, "unknown advert subcommand: %s\n", args[0])
		return 2
	}
}

func cmdStore(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: capres store <put|list> ...")
		return 2
	}
	switch args[0] {
	case "put":
		fs := flag.NewFlagSet("store put", flag.ContinueOnError)
		fs.SetOutput(errOut)
		dir := fs.String("dir", "", "Store directory")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *dir == "" || fs.NArg() != 1 {
			fmt.Fprintln(errOut, "usage: capres store put --dir <dir> <file>")
			return 2
		}
		s, err := store.NewLocalFS(*dir)
		if err != nil {
			fmt.Fprintf(errOut, "open store: %v\n", err)
			return 1
		}
		b, err := os.ReadFile(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(errOut, "read advertisement: %v\n", err)
			return 1
		}
		id, err := s.Put(b)
		if err != nil {
			fmt.Fprintf(errOut, "put: %v\n", err)
			return 1
		}
		fmt.Fprintln(out, id)
		return 0
	case "list":
		fs := flag.NewFlagSet("store list", flag.ContinueOnError)
		fs.SetOutput(errOut)
		dir := fs.String("dir", "", "Store directory")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if *dir == "" {
			fmt.Fprintln(errOut, "usage: capres store list --dir <dir>")
			return 2
		}
		s, err := store.NewLocalFS(*dir)
		if err != nil {
			fmt.Fprintf(errOut, "open store: %v\n", err)
			return 1
		}
		heads, err := s.Snapshot()
		if err != nil {
			fmt.Fprintf(errOut, "snapshot: %v\n", err)
			return 1
		}
		for _, a := range heads {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", a.CID(), a.Name(), a.Version(), a.URI())
		}
		return 0
	default:
		fmt.Fprintf(errOut, "unknown store subcommand: %s\n", args[0])
		return 2
	}
}

type clientVersionFlags map[string]string

func (f clientVersionFlags) String() string { return "" }

func (f clientVersionFlags) Set(v string) error {
	name, version, ok := strings.Cut(v, "=")
	if !ok || name == "" || version == "" {
		return fmt.Errorf("expected <name>=<version>, got %q", v)
	}
	f[name] = version
	return nil
}

func cmdDetect(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", "", "Store directory")
	clientVersions := clientVersionFlags{}
	fs.Var(clientVersions, "client", "In-use client version as <name>=<version> (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" {
		fmt.Fprintln(errOut, "usage: capres detect --dir <dir> [--client <name>=<version> ...]")
		return 2
	}
	s, err := store.NewLocalFS(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	d := &conflict.Detector{Store: s, ClientVersions: clientVersions, Log: zerolog.Nop()}
	reports, exclusions, err := d.Detect()
	if err != nil {
		fmt.Fprintf(errOut, "detect: %v\n", err)
		return 1
	}
	for _, ex := range exclusions {
		fmt.Fprintf(out, "EXCLUDED\t%s\t%s\n", ex.CID, ex.Reason)
	}
	for _, r := range reports {
		fmt.Fprintf(out, "%s\t%s\t%s\n", r.Conflict, r.Severity, strings.Join(r.ParticipantCIDs(), ","))
	}
	if len(reports) > 0 {
		return 3
	}
	return 0
}

func cmdResolve(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", "", "Store directory")
	name := fs.String("name", "", "Capability name")
	constraint := fs.String("constraint", "", "Version range, e.g. ^1.0.0")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dir == "" || *name == "" || *constraint == "" {
		fmt.Fprintln(errOut, "usage: capres resolve --dir <dir> --name <cap> --constraint <range>")
		return 2
	}
	s, err := store.NewLocalFS(*dir)
	if err != nil {
		fmt.Fprintf(errOut, "open store: %v\n", err)
		return 1
	}
	heads, err := s.ListByName(*name)
	if err != nil {
		fmt.Fprintf(errOut, "list: %v\n", err)
		return 1
	}
	if len(heads) == 0 {
		fmt.Fprintf(errOut, "no advertisements for capability %q\n", *name)
		return 1
	}

	resolver := &conflict.Resolver{Log: zerolog.Nop()}
	res, err := resolver.Resolve(context.Background(), conflict.Request{
		Report: conflict.Report{
			Conflict:     conflict.TypeCapabilityVersion,
			Severity:     conflict.SeverityMedium,
			Participants: heads,
		},
		VersionConstraint: *constraint,
	})
	if err != nil {
		fmt.Fprintf(errOut, "resolve: %v\n", err)
		return 1
	}
	if res.Outcome == conflict.OutcomeRequiresUserInput {
		fmt.Fprintf(errOut, "%s: %s\n", res.Code, res.Message)
		for _, c := range res.Candidates {
			fmt.Fprintf(out, "CANDIDATE\t%s\n", c)
		}
		return 3
	}
	a := res.Selected
	fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", a.CID(), a.Version(), a.Endpoint(), a.OwnerKey())
	return 0
}

type repeatedFlag []string

func (f *repeatedFlag) String() string { return strings.Join(*f, ",") }

func (f *repeatedFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func cmdToken(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 || args[0] != "issue" {
		fmt.Fprintln(errOut, "usage: capres token issue ...")
		return 2
	}
	fs := flag.NewFlagSet("token issue", flag.ContinueOnError)
	fs.SetOutput(errOut)
	seedHex := fs.String("seed-hex", "", "Issuer ed25519 seed (64 hex chars)")
	subject := fs.String("subject", "", "Token subject (caller signer key)")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	var capabilities repeatedFlag
	fs.Var(&capabilities, "capability", "Granted capability name (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if *seedHex == "" || *subject == "" || len(capabilities) == 0 {
		fmt.Fprintln(errOut, "token issue requires --seed-hex, --subject, and at least one --capability")
		return 2
	}
	seed, err := keys.ParseSeedHex(*seedHex)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
		return 2
	}
	kp, err := keys.Ed25519FromSeed(seed)
	if err != nil {
		fmt.Fprintf(errOut, "issuer key: %v\n", err)
		return 1
	}
	issuer := &token.Issuer{Key: kp.Ed25519Private()}
	compact, claims, err := issuer.Issue(token.IssueOptions{
		Subject:      *subject,
		Capabilities: capabilities,
		TTL:          *ttl,
	})
	if err != nil {
		fmt.Fprintf(errOut, "issue token: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, compact)
	fmt.Fprintf(errOut, "token id %s expires %s\n", claims.TokenID, claims.ExpiresAt.Format(time.RFC3339))
	return 0
}

// parseArg parses k=kind:value into a named TypedValue.
func parseArg(s string) (string, envelope.TypedValue, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", envelope.TypedValue{}, fmt.Errorf("expected <name>=<kind>:<value>, got %q", s)
	}
	kind, value, ok := strings.Cut(rest, ":")
	if !ok {
		return "", envelope.TypedValue{}, fmt.Errorf("expected <kind>:<value> in %q", s)
	}
	switch kind {
	case "string":
		return name, envelope.String(value), nil
	case "int":
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", envelope.TypedValue{}, fmt.Errorf("arg %q: %v", name, err)
		}
		return name, envelope.Int(i), nil
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", envelope.TypedValue{}, fmt.Errorf("arg %q: %v", name, err)
		}
		return name, envelope.Float(f), nil
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", envelope.TypedValue{}, fmt.Errorf("arg %q: %v", name, err)
		}
		return name, envelope.Bool(b), nil
	case "bytes":
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return "", envelope.TypedValue{}, fmt.Errorf("arg %q: %v", name, err)
		}
		return name, envelope.Bytes(b), nil
	default:
		return "", envelope.TypedValue{}, fmt.Errorf("arg %q: unknown kind %q", name, kind)
	}
}

func cmdInvoke(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("invoke", flag.ContinueOnError)
	fs.SetOutput(errOut)
	endpoint := fs.String("endpoint", "", "Provider endpoint")
	capability := fs.String("capability", "", "Capability name")
	compact := fs.String("token", "", "Compact capability token")
	providerKey := fs.String("provider-key", "", "Expected provider signer key")
	callerVersion := fs.String("caller-version", "1.0.0", "Caller semantic version")
	seedHex := fs.String("seed-hex", "", "Caller ed25519 seed (64 hex chars)")
	signer := fs.String("signer", "", "Key store signer name")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall invocation timeout")
	var rawArgs repeatedFlag
	fs.Var(&rawArgs, "arg", "Argument as <name>=<kind>:<value> (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *endpoint == "" || *capability == "" || *compact == "" {
		fmt.Fprintln(errOut, "invoke requires --endpoint, --capability, and --token")
		return 2
	}
	dir, err := keys.DefaultDirectory()
	if err != nil {
		fmt.Fprintf(errOut, "key directory: %v\n", err)
		return 1
	}
	ks, err := keys.OpenKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "open key store: %v\n", err)
		return 1
	}
	kp, err := loadSigner(ks, *seedHex, *signer, "")
	if err != nil {
		fmt.Fprintf(errOut, "load signer: %v\n", err)
		return 1
	}

	arguments := make(map[string]envelope.TypedValue, len(rawArgs))
	for _, raw := range rawArgs {
		name, v, perr := parseArg(raw)
		if perr != nil {
			fmt.Fprintf(errOut, "%v\n", perr)
			return 2
		}
		arguments[name] = v
	}

	client, err := invoke.NewClient(kp, invoke.ClientOptions{
		CallerVersion: *callerVersion,
		Log:           zerolog.New(errOut).With().Timestamp().Logger(),
	})
	if err != nil {
		fmt.Fprintf(errOut, "client: %v\n", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := client.Invoke(ctx, invoke.Target{
		Endpoint:    *endpoint,
		Capability:  *capability,
		ProviderKey: *providerKey,
		Token:       *compact,
	}, arguments)
	if err != nil {
		fmt.Fprintf(errOut, "invoke: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "status: %s\n", resp.Status)
	printResult(out, resp.Result)
	if resp.Status != envelope.StatusSuccess {
		return 1
	}
	return 0
}

func printResult(out io.Writer, v envelope.TypedValue) {
	switch v.Kind {
	case envelope.KindString:
		fmt.Fprintf(out, "result: %s\n", v.Str)
	case envelope.KindInt:
		fmt.Fprintf(out, "result: %d\n", v.Int)
	case envelope.KindFloat:
		fmt.Fprintf(out, "result: %g\n", v.Float)
	case envelope.KindBool:
		fmt.Fprintf(out, "result: %t\n", v.Bool)
	case envelope.KindBytes:
		fmt.Fprintf(out, "result: %s\n", hex.EncodeToString(v.Bytes))
	case "":
		// no result payload
	default:
		fmt.Fprintf(out, "result: (%s)\n", v.Kind)
	}
}
