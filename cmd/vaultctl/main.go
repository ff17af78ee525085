package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"poolvault/pkg/amount"
	sdk "poolvault/sdk/go/poolvault"
)

const usage = `usage: vaultctl <command> [flags]

commands:
  deposit            --assets <n> [--amount <decimal>] [--receiver <account>]
  withdraw request   --assets <n> [--amount <decimal>]
  withdraw approve   --id <n>
  withdraw reject    --id <n>
  withdraw get       --id <n>
  withdraw list      [--owner <account>]
  valuation get
  valuation set      --total-assets <n> --total-shares <n>
  config get
  config fee         --ppm <n>
  config agent       --account <account>
  config treasury    --account <account>
  account            --name <account>
  credit             --account <account> --assets <n>
  delegate
  remit              --assets <n>
  token issue        --account <account>
  convert to-shares  --assets <n>
  convert to-assets  --shares <n>
  preview deposit    --assets <n>
  preview withdraw   --assets <n>

environment:
  VAULT_URL    service base url (default http://localhost:8080)
  VAULT_TOKEN  api bearer token
`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	c := newClient()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "deposit":
		runDeposit(ctx, c, os.Args[2:])
	case "withdraw":
		runWithdraw(ctx, c, os.Args[2:])
	case "valuation":
		runValuation(ctx, c, os.Args[2:])
	case "config":
		runConfig(ctx, c, os.Args[2:])
	case "account":
		runAccount(ctx, c, os.Args[2:])
	case "credit":
		runCredit(ctx, c, os.Args[2:])
	case "delegate":
		swept, err := c.Delegate(ctx)
		check(err)
		printJSON(map[string]any{"assets": swept})
	case "remit":
		runRemit(ctx, c, os.Args[2:])
	case "token":
		runToken(ctx, c, os.Args[2:])
	case "convert", "preview":
		runConvert(ctx, c, os.Args[1], os.Args[2:])
	default:
		fail(usage)
	}
}

func newClient() *sdk.Client {
	base := os.Getenv("VAULT_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return sdk.NewClient(base, os.Getenv("VAULT_TOKEN"))
}

// assetsArg resolves the base-unit amount from either --assets (base units)
// or --amount (decimal units scaled by the vault's asset precision).
func assetsArg(ctx context.Context, c *sdk.Client, assets, human string) string {
	if assets != "" {
		return assets
	}
	if human == "" {
		fail("one of --assets or --amount is required")
	}
	cfg, err := c.GetConfig(ctx)
	check(err)
	v, err := amount.ParseUnits(human, cfg.AssetDecimals)
	check(err)
	return v.String()
}

func runDeposit(ctx context.Context, c *sdk.Client, args []string) {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	assets := fs.String("assets", "", "asset amount in base units")
	human := fs.String("amount", "", "asset amount in decimal units")
	receiver := fs.String("receiver", "", "share receiver account")
	key := fs.String("idempotency-key", "", "idempotency key")
	_ = fs.Parse(args)

	k := *key
	if k == "" {
		k = sdk.NewIdempotencyKey()
	}
	res, err := c.Deposit(ctx, assetsArg(ctx, c, *assets, *human), *receiver, k)
	check(err)
	printJSON(res)
}

func runWithdraw(ctx context.Context, c *sdk.Client, args []string) {
	if len(args) < 1 {
		fail(usage)
	}
	switch args[0] {
	case "request":
		fs := flag.NewFlagSet("withdraw request", flag.ExitOnError)
		assets := fs.String("assets", "", "asset amount in base units")
		human := fs.String("amount", "", "asset amount in decimal units")
		key := fs.String("idempotency-key", "", "idempotency key")
		_ = fs.Parse(args[1:])
		k := *key
		if k == "" {
			k = sdk.NewIdempotencyKey()
		}
		req, err := c.RequestWithdraw(ctx, assetsArg(ctx, c, *assets, *human), k)
		check(err)
		printJSON(req)
	case "approve":
		settled, err := c.ApproveWithdraw(ctx, idArg(args[1:]))
		check(err)
		printJSON(settled)
	case "reject":
		req, err := c.RejectWithdraw(ctx, idArg(args[1:]))
		check(err)
		printJSON(req)
	case "get":
		req, err := c.GetWithdrawal(ctx, idArg(args[1:]))
		check(err)
		printJSON(req)
	case "list":
		fs := flag.NewFlagSet("withdraw list", flag.ExitOnError)
		owner := fs.String("owner", "", "owner account (admin or agent)")
		_ = fs.Parse(args[1:])
		reqs, err := c.ListWithdrawals(ctx, *owner)
		check(err)
		printJSON(reqs)
	default:
		fail(usage)
	}
}

func runValuation(ctx context.Context, c *sdk.Client, args []string) {
	if len(args) < 1 {
		fail(usage)
	}
	switch args[0] {
	case "get":
		val, err := c.GetValuation(ctx)
		check(err)
		printJSON(val)
	case "set":
		fs := flag.NewFlagSet("valuation set", flag.ExitOnError)
		totalAssets := fs.String("total-assets", "", "reported total assets in base units")
		totalShares := fs.String("total-shares", "", "reported total shares in base units")
		_ = fs.Parse(args[1:])
		if *totalAssets == "" || *totalShares == "" {
			fail("both --total-assets and --total-shares are required")
		}
		check(c.UpdateValuation(ctx, *totalAssets, *totalShares))
		printJSON(map[string]any{"total_assets_reported": *totalAssets, "total_shares_reported": *totalShares})
	default:
		fail(usage)
	}
}

func runConfig(ctx context.Context, c *sdk.Client, args []string) {
	if len(args) < 1 {
		fail(usage)
	}
	switch args[0] {
	case "get":
		cfg, err := c.GetConfig(ctx)
		check(err)
		printJSON(cfg)
	case "fee":
		fs := flag.NewFlagSet("config fee", flag.ExitOnError)
		ppm := fs.Uint64("ppm", 0, "withdrawal fee rate in parts per million")
		_ = fs.Parse(args[1:])
		check(c.UpdateFeeRate(ctx, *ppm))
		printJSON(map[string]any{"withdraw_fee_rate_ppm": *ppm})
	case "agent":
		account := accountArg(args[1:])
		check(c.UpdateAgent(ctx, account))
		printJSON(map[string]any{"agent_account": account})
	case "treasury":
		account := accountArg(args[1:])
		check(c.UpdateTreasury(ctx, account))
		printJSON(map[string]any{"treasury_account": account})
	default:
		fail(usage)
	}
}

func runAccount(ctx context.Context, c *sdk.Client, args []string) {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	name := fs.String("name", "", "account to inspect")
	_ = fs.Parse(args)
	if *name == "" {
		fail("--name is required")
	}
	acct, err := c.GetAccount(ctx, *name)
	check(err)
	printJSON(acct)
}

func runCredit(ctx context.Context, c *sdk.Client, args []string) {
	fs := flag.NewFlagSet("credit", flag.ExitOnError)
	account := fs.String("account", "", "account to credit")
	assets := fs.String("assets", "", "asset amount in base units")
	_ = fs.Parse(args)
	if *account == "" || *assets == "" {
		fail("both --account and --assets are required")
	}
	check(c.CreditAccount(ctx, *account, *assets))
	printJSON(map[string]any{"account": *account, "assets": *assets})
}

func runRemit(ctx context.Context, c *sdk.Client, args []string) {
	fs := flag.NewFlagSet("remit", flag.ExitOnError)
	assets := fs.String("assets", "", "asset amount in base units")
	_ = fs.Parse(args)
	if *assets == "" {
		fail("--assets is required")
	}
	check(c.Remit(ctx, *assets))
	printJSON(map[string]any{"assets": *assets})
}

func runToken(ctx context.Context, c *sdk.Client, args []string) {
	if len(args) < 1 || args[0] != "issue" {
		fail(usage)
	}
	tok, err := c.IssueToken(ctx, accountArg(args[1:]))
	check(err)
	printJSON(tok)
}

func runConvert(ctx context.Context, c *sdk.Client, group string, args []string) {
	if len(args) < 1 {
		fail(usage)
	}
	fs := flag.NewFlagSet(group+" "+args[0], flag.ExitOnError)
	assets := fs.String("assets", "", "asset amount in base units")
	shares := fs.String("shares", "", "share amount in base units")
	_ = fs.Parse(args[1:])

	var out, field string
	var err error
	switch group + " " + args[0] {
	case "convert to-shares":
		out, err = c.ConvertToShares(ctx, *assets)
		field = "shares"
	case "convert to-assets":
		out, err = c.ConvertToAssets(ctx, *shares)
		field = "assets"
	case "preview deposit":
		out, err = c.PreviewDeposit(ctx, *assets)
		field = "shares"
	case "preview withdraw":
		out, err = c.PreviewWithdraw(ctx, *assets)
		field = "shares"
	default:
		fail(usage)
	}
	check(err)
	printJSON(map[string]any{field: out})
}

func idArg(args []string) uint64 {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	id := fs.String("id", "", "withdrawal request id")
	_ = fs.Parse(args)
	v, err := strconv.ParseUint(strings.TrimSpace(*id), 10, 64)
	if err != nil {
		fail("--id must be a positive integer")
	}
	return v
}

func accountArg(args []string) string {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	account := fs.String("account", "", "account name")
	_ = fs.Parse(args)
	if *account == "" {
		fail("--account is required")
	}
	return *account
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	check(err)
	fmt.Println(string(b))
}

func check(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
