package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"anypay.backend/internal/config"
	"anypay.backend/pkg/jwt"
)

type tokengenDeps struct {
	loadEnv func() error
	loadCfg func() *config.Config
	out     io.Writer
}

func defaultTokengenDeps() tokengenDeps {
	return tokengenDeps{
		loadEnv: func() error { return godotenv.Load() },
		loadCfg: config.Load,
		out:     os.Stdout,
	}
}

func validateInputs(username, wallet, role string, expiry time.Duration) error {
	if username == "" && wallet == "" {
		return errors.New("--username or --wallet is required")
	}
	if wallet != "" && !common.IsHexAddress(wallet) {
		return fmt.Errorf("invalid wallet address: %s", wallet)
	}
	if role != jwt.RoleUser && role != jwt.RoleOperator {
		return fmt.Errorf("invalid role: %s (allowed: %s, %s)", role, jwt.RoleUser, jwt.RoleOperator)
	}
	if expiry <= 0 {
		return fmt.Errorf("invalid expiry: %s", expiry)
	}
	return nil
}

func buildToken(cfg *config.Config, username, wallet, role string, expiry time.Duration) (string, error) {
	svc := jwt.NewJWTService(cfg.JWT.Secret, expiry, cfg.JWT.Issuer)
	return svc.GenerateToken(username, wallet, role)
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func runTokengen(args []string, deps tokengenDeps) error {
	if deps.loadEnv == nil {
		deps.loadEnv = func() error { return godotenv.Load() }
	}
	if deps.loadCfg == nil {
		deps.loadCfg = config.Load
	}
	if deps.out == nil {
		deps.out = os.Stdout
	}

	fs := flag.NewFlagSet("tokengen", flag.ContinueOnError)
	username := fs.String("username", "", "app username carried in the token")
	wallet := fs.String("wallet", "", "wallet address carried in the token")
	role := fs.String("role", jwt.RoleUser, "token role: user or operator")
	expiry := fs.Duration("expiry", 24*time.Hour, "token lifetime")
	webhookSecret := fs.Bool("webhook-secret", false, "also print a fresh BRIDGE_WEBHOOK_SECRET")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := validateInputs(*username, *wallet, *role, *expiry); err != nil {
		return err
	}

	if err := deps.loadEnv(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	cfg := deps.loadCfg()

	token, err := buildToken(cfg, *username, *wallet, *role, *expiry)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	_, _ = fmt.Fprintf(deps.out, "role=%s\n", *role)
	_, _ = fmt.Fprintf(deps.out, "expires_in=%s\n", expiry.String())
	_, _ = fmt.Fprintf(deps.out, "TOKEN=%s\n", token)

	if *webhookSecret {
		secret, err := generateRandomHex(64)
		if err != nil {
			return fmt.Errorf("failed to generate webhook secret: %w", err)
		}
		_, _ = fmt.Fprintf(deps.out, "BRIDGE_WEBHOOK_SECRET=%s\n", secret)
	}
	return nil
}

func main() {
	if err := runTokengen(os.Args[1:], defaultTokengenDeps()); err != nil {
		log.Fatal(err)
	}
}
