package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/agustin125/securitize-smart-contracts/cmd/internal/passphrase"
	"github.com/agustin125/securitize-smart-contracts/config"
	"github.com/agustin125/securitize-smart-contracts/crypto"
	"github.com/agustin125/securitize-smart-contracts/gateway/middleware"
	"github.com/agustin125/securitize-smart-contracts/native/market"
)

const (
	defaultPassEnv   = "MARKET_KEYSTORE_PASS"
	defaultSecretEnv = "MARKET_AUTH_SECRET"
	defaultKeystore  = "./seller.keystore"
	defaultConfig    = "./market.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:], os.Stdout)
	case "address":
		err = runAddress(os.Args[2:], os.Stdout)
	case "sign":
		err = runSign(os.Args[2:], os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: marketctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen    create a signing key in a v3 keystore")
	fmt.Fprintln(w, "  address   print the account held in a keystore")
	fmt.Fprintln(w, "  sign      sign a delegated listing and print the request body")
	fmt.Fprintln(w, "  token     issue a bearer token for an account")
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	light := fs.Bool("light", false, "Use light scrypt parameters (test keys only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	existing, err := crypto.KeystoreAddress(*keystorePath)
	switch {
	case *force, errors.Is(err, os.ErrNotExist):
	case err == nil:
		return fmt.Errorf("keystore %s already holds %s; use -force to overwrite", *keystorePath, existing.Hex())
	default:
		return fmt.Errorf("inspect keystore %s: %w", *keystorePath, err)
	}
	pass, err := passphrase.NewConfirmingSource(*passEnv).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	strength := crypto.StandardKeystore
	if *light {
		strength = crypto.LightKeystore
	}
	addr, err := crypto.SaveToKeystore(*keystorePath, key, pass, strength)
	if err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return printAddress(out, addr)
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	return printAddress(out, key.Address())
}

func printAddress(out io.Writer, addr crypto.Address) error {
	_, err := fmt.Fprintf(out, "%s\n%s\n", addr.Hex(), addr.String())
	return err
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", path, err)
	}
	return key, nil
}

type signedListing struct {
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

func runSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keystorePath := fs.String("keystore", defaultKeystore, "Path to the signer keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	configPath := fs.String("config", defaultConfig, "marketd configuration supplying the signature domain")
	asset := fs.String("asset", "", "Asset identifier (0x hex or bech32)")
	amount := fs.String("amount", "", "Quantity of the asset offered")
	price := fs.String("price", "", "Price in settlement units")
	nonce := fs.Uint64("nonce", 0, "Current nonce of the signer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	engineAddr, err := cfg.EngineAddress()
	if err != nil {
		return err
	}
	domain := market.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: engineAddr,
	}
	if err := domain.Validate(); err != nil {
		return err
	}

	assetAddr, err := crypto.ParseAddress(*asset)
	if err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	amountVal, err := uint256.FromDecimal(strings.TrimSpace(*amount))
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	priceVal, err := uint256.FromDecimal(strings.TrimSpace(*price))
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}

	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	signer := key.Address().Raw()
	msg := market.DelegatedListing{
		Asset:  assetAddr.Raw(),
		Amount: amountVal,
		Price:  priceVal,
		Nonce:  *nonce,
		Signer: signer,
	}
	sig, err := market.SignDelegatedListing(key.PrivateKey, domain, msg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(signedListing{
		Asset:     ethcommon.Address(msg.Asset).Hex(),
		Amount:    amountVal.Dec(),
		Price:     priceVal.Dec(),
		Nonce:     msg.Nonce,
		Signature: hexutil.Encode(sig),
		Signer:    ethcommon.Address(signer).Hex(),
	})
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "Account the token acts for (0x hex or bech32)")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HMAC secret")
	issuer := fs.String("issuer", "", "Token issuer")
	audience := fs.String("aud", "", "Comma-separated audiences")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	account, err := crypto.ParseAddress(*subject)
	if err != nil {
		return fmt.Errorf("sub: %w", err)
	}
	secret := os.Getenv(*secretEnv)
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%s must hold the HMAC secret", *secretEnv)
	}
	var aud []string
	for _, entry := range strings.Split(*audience, ",") {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			aud = append(aud, trimmed)
		}
	}
	token, err := middleware.IssueToken(secret, *issuer, account.Hex(), aud, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
