package main

import (
	"bufio"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethcentivize/issue-registry/internal/auth"
	"github.com/ethcentivize/issue-registry/internal/client"
	"github.com/ethcentivize/issue-registry/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/urfave/cli/v2"
)

// usageError marks bad command-line input, as opposed to a server refusal.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

var flagServer = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "registry server base URL",
	EnvVars: []string{"REGISTRY_URL"},
}
var flagKey = &cli.StringFlag{
	Name:    "key",
	Usage:   "hex secp256k1 private key used to sign the login challenge",
	EnvVars: []string{"REGISTRY_KEY"},
}
var flagToken = &cli.StringFlag{
	Name:    "token",
	Usage:   "session token from `registryctl login`; skips signing in",
	EnvVars: []string{"REGISTRY_TOKEN"},
}
var flagAdminKey = &cli.StringFlag{
	Name:    "admin-key",
	Usage:   "operator key for /admin routes",
	EnvVars: []string{"REGISTRY_ADMIN_KEY"},
}

var (
	flagOffset = &cli.IntFlag{Name: "offset", Usage: "skip this many issues"}
	flagLimit  = &cli.IntFlag{Name: "limit", Usage: "page size (0 = server default)"}
	flagSince  = &cli.Uint64Flag{Name: "since", Usage: "only events after this sequence number"}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "registryctl",
		Usage: "create, certify and withdraw issue rewards",
		Flags: []cli.Flag{flagServer, flagKey, flagToken, flagAdminKey},
		Commands: []*cli.Command{
			{
				Name:   "login",
				Usage:  "sign in with --key and print the session token",
				Action: runLogin,
			},
			{
				Name:   "me",
				Usage:  "show the signed-in account",
				Action: runMe,
			},
			{
				Name:  "create",
				Usage: "create an issue and escrow its reward",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Value: "feature", Usage: "feature, bug or support"},
					&cli.StringFlag{Name: "assignee", Usage: "assignee address (optional)"},
					&cli.StringFlag{Name: "description", Usage: "what needs doing"},
					&cli.StringFlag{Name: "reward", Required: true, Usage: "amount in wei, or with a gwei/ether suffix"},
					&cli.StringFlag{Name: "repo-owner", Usage: "GitHub owner, for the repo-owner certifier policy"},
					&cli.StringFlag{Name: "repo-name"},
				},
				Action: runCreate,
			},
			{
				Name:      "get",
				Usage:     "show one issue",
				ArgsUsage: "<id>",
				Action:    runGet,
			},
			{
				Name:   "list",
				Usage:  "list issues in id order",
				Flags:  []cli.Flag{flagOffset, flagLimit},
				Action: runList,
			},
			{
				Name:   "count",
				Usage:  "print the number of issues",
				Action: runCount,
			},
			{
				Name:      "start",
				Usage:     "record that the assignee started work",
				ArgsUsage: "<id>",
				Action:    runStart,
			},
			{
				Name:      "reassign",
				Usage:     "change an open issue's assignee",
				ArgsUsage: "<id> <address>",
				Action:    runReassign,
			},
			{
				Name:      "credit",
				Usage:     "certify an issue done and credit its reward",
				ArgsUsage: "<id> <beneficiary>",
				Action:    runCredit,
			},
			{
				Name:   "withdraw",
				Usage:  "pay out the caller's whole balance",
				Action: runWithdraw,
			},
			{
				Name:      "balance",
				Usage:     "show an address's withdrawable and paid-out amounts",
				ArgsUsage: "<address>",
				Action:    runBalance,
			},
			{
				Name:   "events",
				Usage:  "print the event feed",
				Flags:  []cli.Flag{flagSince, flagLimit},
				Action: runEvents,
			},
			{
				Name:   "audit",
				Usage:  "check the escrow sum invariant (needs --admin-key)",
				Action: runAudit,
			},
			{
				Name:      "hash-admin-key",
				Usage:     "bcrypt a plaintext admin key for admin_key_hash; reads stdin without an argument",
				ArgsUsage: "[key]",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "cost", Value: auth.DefaultAdminKeyCost},
				},
				Action: runHashAdminKey,
			},
		},
	}
}

// newClient builds an API client from the global flags. With signIn set it
// makes sure the client carries a token, logging in with --key if needed.
func newClient(cCtx *cli.Context, signIn bool) (*client.Client, error) {
	c := client.New(cCtx.String(flagServer.Name))
	c.SetAdminKey(cCtx.String(flagAdminKey.Name))
	if tok := cCtx.String(flagToken.Name); tok != "" {
		c.SetToken(tok)
		return c, nil
	}
	if !signIn {
		return c, nil
	}

	key, err := privateKey(cCtx)
	if err != nil {
		return nil, err
	}
	if _, err := c.Login(cCtx.Context, key); err != nil {
		return nil, err
	}
	return c, nil
}

func privateKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	raw := cCtx.String(flagKey.Name)
	if raw == "" {
		return nil, usagef("--key (or REGISTRY_KEY) is required to sign in")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, usagef("invalid --key: %v", err)
	}
	return key, nil
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runLogin(cCtx *cli.Context) error {
	key, err := privateKey(cCtx)
	if err != nil {
		return err
	}
	c := client.New(cCtx.String(flagServer.Name))
	sess, err := c.Login(cCtx.Context, key)
	if err != nil {
		return err
	}
	return printJSON(cCtx, sess)
}

func runMe(cCtx *cli.Context) error {
	c, err := newClient(cCtx, true)
	if err != nil {
		return err
	}
	me, err := c.Me(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(cCtx, me)
}

func runCreate(cCtx *cli.Context) error {
	kind, err := model.ParseKind(cCtx.String("kind"))
	if err != nil {
		return usagef("--kind: %v", err)
	}
	reward, err := parseAmount(cCtx.String("reward"))
	if err != nil {
		return usagef("--reward: %v", err)
	}
	var assignee common.Address
	if s := cCtx.String("assignee"); s != "" {
		if assignee, err = parseAddress(s); err != nil {
			return usagef("--assignee: %v", err)
		}
	}

	c, err := newClient(cCtx, true)
	if err != nil {
		return err
	}
	id, err := c.CreateIssue(cCtx.Context, client.CreateIssueRequest{
		Kind:         kind,
		Assignee:     assignee,
		Description:  cCtx.String("description"),
		RewardAmount: reward,
		RepoOwner:    cCtx.String("repo-owner"),
		RepoName:     cCtx.String("repo-name"),
	})
	if err != nil {
		return err
	}
	return printJSON(cCtx, map[string]uint64{"id": id})
}

func runGet(cCtx *cli.Context) error {
	id, err := argID(cCtx, 1)
	if err != nil {
		return err
	}
	c, err := newClient(cCtx, false)
	if err != nil {
		return err
	}
	issue, err := c.GetIssue(cCtx.Context, id)
	if err != nil {
		return err
	}
	return printJSON(cCtx, issue)
}

func runList(cCtx *cli.Context) error {
	c, err := newClient(cCtx, false)
	if err != nil {
		return err
	}
	page, err := c.ListIssues(cCtx.Context, cCtx.Int(flagOffset.Name), cCtx.Int(flagLimit.Name))
	if err != nil {
		return err
	}
	return printJSON(cCtx, page)
}

func runCount(cCtx *cli.Context) error {
	c, err := newClient(cCtx, false)
	if err != nil {
		return err
	}
	n, err := c.IssueCount(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(cCtx, map[string]uint64{"count": n})
}

func runStart(cCtx *cli.Context) error {
	id, err := argID(cCtx, 1)
	if err != nil {
		return err
	}
	c, err := newClient(cCtx, true)
	if err != nil {
		return err
	}
	issue, err := c.StartWork(cCtx.Context, id)
	if err != nil {
		return err
	}
	return printJSON(cCtx, issue)
}

func runReassign(cCtx *cli.Context) error {
	id, err := argID(cCtx, 2)
	if err != nil {
		return err
	}
	addr, err := parseAddress(cCtx.Args().Get(1))
	if err != nil {
		return usagef("address: %v", err)
	}
	c, err := newClient(cCtx, true)
	if err != nil {
		return err
	}
	issue, err := c.Reassign(cCtx.Context, id, addr)
	if err != nil {
		return err
	}
	return printJSON(cCtx, issue)
}

func runCredit(cCtx *cli.Context) error {
	id, err := argID(cCtx, 2)
	if err != nil {
		return err
	}
	beneficiary, err := parseAddress(cCtx.Args().Get(1))
	if err != nil {
		return usagef("beneficiary: %v", err)
	}
	c, err := newClient(cCtx, true)
	if err != nil {
		return err
	}
	issue, err := c.CreditReward(cCtx.Context, id, beneficiary)
	if err != nil {
		return err
	}
	return printJSON(cCtx, issue)
}

func runWithdraw(cCtx *cli.Context) error {
	c, err := newClient(cCtx, true)
	if err != nil {
		return err
	}
	w, err := c.Withdraw(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(cCtx, w)
}

func runBalance(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return usagef("usage: balance <address>")
	}
	addr, err := parseAddress(cCtx.Args().First())
	if err != nil {
		return usagef("address: %v", err)
	}
	c, err := newClient(cCtx, false)
	if err != nil {
		return err
	}
	b, err := c.Balance(cCtx.Context, addr)
	if err != nil {
		return err
	}
	return printJSON(cCtx, b)
}

func runEvents(cCtx *cli.Context) error {
	c, err := newClient(cCtx, false)
	if err != nil {
		return err
	}
	events, err := c.Events(cCtx.Context, cCtx.Uint64(flagSince.Name), cCtx.Int(flagLimit.Name))
	if err != nil {
		return err
	}
	if events == nil {
		events = []model.Event{}
	}
	return printJSON(cCtx, events)
}

func runAudit(cCtx *cli.Context) error {
	if cCtx.String(flagAdminKey.Name) == "" {
		return usagef("--admin-key (or REGISTRY_ADMIN_KEY) is required")
	}
	c, err := newClient(cCtx, false)
	if err != nil {
		return err
	}
	a, err := c.Audit(cCtx.Context)
	if err != nil {
		return err
	}
	return printJSON(cCtx, a)
}

func runHashAdminKey(cCtx *cli.Context) error {
	plaintext := cCtx.Args().First()
	if plaintext == "" {
		line, err := bufio.NewReader(cCtx.App.Reader).ReadString('\n')
		if err != nil && line == "" {
			return usagef("no key given on the command line or stdin")
		}
		plaintext = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashAdminKey(plaintext, cCtx.Int("cost"))
	if err != nil {
		return usagef("%v", err)
	}
	_, err = fmt.Fprintln(cCtx.App.Writer, hash)
	return err
}

// argID parses the first positional argument as an issue id and checks the
// argument count.
func argID(cCtx *cli.Context, want int) (uint64, error) {
	if cCtx.NArg() != want {
		return 0, usagef("usage: %s %s", cCtx.Command.Name, cCtx.Command.ArgsUsage)
	}
	id, err := strconv.ParseUint(cCtx.Args().First(), 10, 64)
	if err != nil {
		return 0, usagef("invalid issue id %q", cCtx.Args().First())
	}
	return id, nil
}

func parseAddress(s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a 0x-prefixed address", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount reads a non-negative integer amount in wei, optionally with a
// "gwei" or "ether" unit suffix. Fractions are not accepted.
func parseAmount(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	unit := big.NewInt(1)
	switch {
	case strings.HasSuffix(s, "gwei"):
		unit = big.NewInt(params.GWei)
		s = strings.TrimSuffix(s, "gwei")
	case strings.HasSuffix(s, "ether"):
		unit = big.NewInt(params.Ether)
		s = strings.TrimSuffix(s, "ether")
	case strings.HasSuffix(s, "wei"):
		s = strings.TrimSuffix(s, "wei")
	}

	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a whole, non-negative amount", s)
	}
	return v.Mul(v, unit), nil
}
