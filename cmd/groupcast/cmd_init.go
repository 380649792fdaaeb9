package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/consts"
	"github.com/groupcast/groupcast/internal/crypto"
)

var initHwd = &InitRunner{}

type InitRunner struct {
	scanner *bufio.Scanner
}

var (
	cBanner  = color.New(color.FgCyan, color.Bold)
	cSuccess = color.New(color.FgGreen)
	cWarn    = color.New(color.FgYellow)
	cPrompt  = color.New(color.FgWhite, color.Bold)
)

func (r *InitRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a starter config file under ~/.groupcast",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "token", Usage: "Telegram bot token to store in the config"},
			&cli.BoolFlag{Name: "seal-token", Usage: "Prompt for the token and store it encrypted instead of plaintext"},
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing config file"},
		},
		Action: r.run,
	}
}

func (r *InitRunner) run(_ context.Context, cmd *cli.Command) error {
	cfgPath := consts.DefaultConfigPath()
	if _, err := os.Stat(cfgPath); err == nil && !cmd.Bool("force") {
		cWarn.Printf("Config already exists at %s (use --force to overwrite).\n", cfgPath)
		return nil
	}

	cBanner.Println("Groupcast setup")

	cfg := &config.Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Output = "both"
	cfg.Logging.File = filepath.Join(consts.GroupcastHomeDir(), "logs", "groupcast.log")
	cfg.API.Enabled = true
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch {
	case cmd.Bool("seal-token"):
		token := strings.TrimSpace(cmd.String("token"))
		if token == "" {
			token = r.prompt("Telegram Bot Token")
		}
		if token == "" {
			return fmt.Errorf("a token is required with --seal-token")
		}
		tokenPath, err := r.sealToken(cfg, token)
		if err != nil {
			return err
		}
		cfg.Poster.Telegram.TokenFile = tokenPath
		cSuccess.Printf("Token sealed to %s\n", tokenPath)
	case cmd.String("token") != "":
		cfg.Poster.Telegram.Token = strings.TrimSpace(cmd.String("token"))
	default:
		cWarn.Println("No token given; set poster.telegram.token in the config before running.")
	}

	if err := config.Write(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	cSuccess.Printf("Config written to %s\n", cfgPath)
	fmt.Println("Next steps:")
	fmt.Println("  groupcast template add --name promo --content \"hello\"")
	fmt.Println("  groupcast job add --template <id> --target <chat-id> --interval 24 --now")
	fmt.Println("  groupcast run")
	return nil
}

func (r *InitRunner) sealToken(cfg *config.Config, token string) (string, error) {
	keeper, err := crypto.NewKeeper(cfg.Store.KeyFile)
	if err != nil {
		return "", fmt.Errorf("create key: %w", err)
	}
	sealed, err := keeper.Encrypt([]byte(token))
	if err != nil {
		return "", fmt.Errorf("seal token: %w", err)
	}

	tokenPath := filepath.Join(consts.GroupcastHomeDir(), "telegram.token")
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(tokenPath, []byte(sealed+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return tokenPath, nil
}

func (r *InitRunner) prompt(label string) string {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(os.Stdin)
	}
	cPrompt.Printf("%s: ", label)
	if !r.scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(r.scanner.Text())
}
