// Command codesign is a thin smoke-test wrapper over this module's
// signing and verification packages: sign a path ad-hoc or with a
// supplied identity, verify an already-signed path, or dump the
// contents of its embedded signature. It exists for manual testing, not
// as a drop-in replacement for Apple's own codesign(1).
package main

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/blacktop/go-codesign/blob"
	"github.com/blacktop/go-codesign/diskrep"
	"github.com/blacktop/go-codesign/requirement"
	"github.com/blacktop/go-codesign/signer"
	"github.com/blacktop/go-codesign/staticcode"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "sign":
		err = runSign(os.Args[2:])
	case "verify":
		err = runVerify(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: codesign <sign|verify|dump> [flags] <path>")
}

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	identifier := fs.String("identifier", "", "code identifier (defaults to the DiskRep's own default)")
	entitlements := fs.String("entitlements", "", "path to an entitlements plist to embed")
	remove := fs.Bool("remove", false, "strip any existing signature instead of signing")
	identityPath := fs.String("identity", "", "PEM certificate chain for a non-ad-hoc identity (unsupported: prints a diagnostic)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("sign requires exactly one path argument")
	}
	path := fs.Arg(0)

	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		return fmt.Errorf("resolving disk representation: %w", err)
	}

	cfg := signer.Config{Identifier: *identifier, Remove: *remove}
	if *entitlements != "" {
		data, err := os.ReadFile(*entitlements)
		if err != nil {
			return fmt.Errorf("reading entitlements: %w", err)
		}
		cfg.Entitlements = data
	}
	if *identityPath != "" {
		if _, err := loadCertChain(*identityPath); err != nil {
			return err
		}
		return errors.New("sign: non-ad-hoc identities require a cms.Signer implementation; this tool only drives ad-hoc signing")
	}

	result, err := signer.Sign(rep, cfg)
	if err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	if err := rep.Flush(); err != nil {
		return fmt.Errorf("flushing signature to disk: %w", err)
	}

	if cfg.Remove {
		fmt.Println(color.YellowString("removed"), "signature from", path)
		return nil
	}
	fmt.Println(color.GreenString("signed"), path)
	fmt.Printf("  cdhash: %x\n", result.CDHash)
	fmt.Printf("  identifier: %s\n", result.Directory.Identifier)
	return nil
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("verify requires exactly one path argument")
	}
	path := fs.Arg(0)

	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		return fmt.Errorf("resolving disk representation: %w", err)
	}

	sc := staticcode.New(rep, nil)
	if err := sc.ValidateAll(); err != nil {
		fmt.Println(color.RedString("invalid:"), path)
		return err
	}

	cdhash, err := sc.CDHash()
	if err != nil {
		return err
	}
	fmt.Println(color.GreenString("valid:"), path)
	fmt.Printf("  cdhash: %x\n", cdhash)
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("dump requires exactly one path argument")
	}
	path := fs.Arg(0)

	rep, err := diskrep.BestGuess(path, nil)
	if err != nil {
		return fmt.Errorf("resolving disk representation: %w", err)
	}

	sc := staticcode.New(rep, nil)
	dir, err := sc.Directory()
	if err != nil {
		return fmt.Errorf("reading code directory: %w", err)
	}

	fmt.Println(color.CyanString("CodeDirectory"))
	fmt.Printf("  identifier:   %s\n", dir.Identifier)
	fmt.Printf("  team id:      %s\n", dir.TeamID)
	fmt.Printf("  hash type:    %s\n", dir.HashType)
	fmt.Printf("  page size:    %d\n", dir.PageSize)
	fmt.Printf("  code slots:   %d\n", len(dir.CodeSlots))
	fmt.Printf("  flags:        %#x\n", dir.Flags)

	if reqs, err := sc.Requirements(); err == nil && len(reqs) > 0 {
		fmt.Println(color.CyanString("Requirements"))
		for typ, req := range reqs {
			fmt.Printf("  %s: %s\n", typ, requirement.Decompile(req.Expr))
		}
	}

	if _, err := sc.ValidateComponent(blob.SlotSignatureSlot); err == nil {
		if chain, err := sc.CertificateChain(); err == nil && len(chain) > 0 {
			fmt.Println(color.CyanString("Signing identity"))
			fmt.Printf("  subject: %s\n", chain[0].Subject)
		} else {
			fmt.Println(color.YellowString("ad-hoc signature (no certificate chain)"))
		}
	}

	if err := sc.ValidateAll(); err != nil {
		fmt.Println(color.RedString("static validation failed:"), err)
		return nil
	}
	fmt.Println(color.GreenString("static validation passed"))
	return nil
}

func loadCertChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, errors.New("no CERTIFICATE blocks found")
	}
	return chain, nil
}
