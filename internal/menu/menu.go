// Package menu drives agent operations from a numbered terminal menu.
package menu

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tyemirov/predicowallet/internal/agents"
	"golang.org/x/term"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// clearFn clears the screen between menus. It is a no-op unless the command
// attaches a terminal.
var clearFn = func() {}

const separator = "==========================================="

// UseTerminal clears out between menus when it is an interactive terminal.
func UseTerminal(out *os.File) {
	if !term.IsTerminal(int(out.Fd())) {
		return
	}
	clearFn = func() { _, _ = fmt.Fprint(out, "\033[H\033[2J") }
}

// Operations is the agent surface the menu needs. *agents.Manager satisfies it.
type Operations interface {
	Installed() bool
	CreateUsers(ctx context.Context, count int) ([]agents.Result, error)
	RegisterMarketWallets(ctx context.Context) ([]agents.Result, error)
	PlaceBids(ctx context.Context, maxPayment float64, bidPrice float64) ([]agents.Result, error)
	WalletAddresses(ctx context.Context) ([]agents.Result, error)
	WalletBalances(ctx context.Context) ([]agents.Result, error)
	TransferBalances(ctx context.Context, address string) ([]agents.Result, error)
	RequestFunds(ctx context.Context) ([]agents.Result, error)
}

type choice int

const (
	stay choice = iota
	back
	exit
)

type session struct {
	ctx     context.Context
	ops     Operations
	scanner *bufio.Scanner
}

// Run shows the installation menu when no agents exist yet, then the main menu.
// It returns when the user picks 0 or input ends.
func Run(ctx context.Context, ops Operations, scanner *bufio.Scanner) {
	current := &session{ctx: ctx, ops: ops, scanner: scanner}
	if !ops.Installed() {
		if current.installationLoop() == exit {
			printlnFn("Exit.")
			return
		}
	}
	current.mainLoop()
	printlnFn("Exit.")
}

func (current *session) installationLoop() choice {
	for {
		clearFn()
		printlnFn("     CLIENT MAIN MENU - No Users Detected")
		printlnFn("1  - Create users wallets")
		printlnFn(separator)
		printlnFn("0 - Exit")
		selected, ok := current.read("Please make a choice: ")
		if !ok {
			return exit
		}
		switch selected {
		case "1":
			if current.install() {
				return stay
			}
		case "0":
			return exit
		default:
			printlnFn("Invalid option.")
		}
	}
}

func (current *session) install() bool {
	printlnFn("This will create a new market wallet & account for a predefined number of users.")
	answer, ok := current.read("Proceed? (Y/n)")
	if !ok || !strings.EqualFold(answer, "y") {
		return false
	}
	count, ok := current.readInt("Define number of users to create: ")
	if !ok {
		return false
	}
	results, err := current.ops.CreateUsers(current.ctx, count)
	return current.report(results, err) && current.ops.Installed()
}

func (current *session) mainLoop() {
	for {
		clearFn()
		printlnFn("     CLIENT MAIN MENU - Wallet Detected")
		printlnFn("1  - Market Operations")
		printlnFn("2  - Wallet Operations")
		printlnFn(separator)
		printlnFn("0 - Exit")
		selected, ok := current.read("Please make a choice: ")
		if !ok {
			return
		}
		next := stay
		switch selected {
		case "1":
			next = current.marketLoop()
		case "2":
			next = current.walletLoop()
		case "0":
			return
		default:
			printlnFn("Invalid option.")
		}
		if next == exit {
			return
		}
	}
}

func (current *session) marketLoop() choice {
	for {
		clearFn()
		printlnFn("     Market OPS MENU")
		printlnFn("1  - Register users in market platform")
		printlnFn("2  - Place market bids")
		printlnFn(separator)
		printlnFn("9 - Return to previous menu.")
		printlnFn("0 - Exit")
		selected, ok := current.read("Please make a choice: ")
		if !ok {
			return exit
		}
		switch selected {
		case "1":
			current.report(current.ops.RegisterMarketWallets(current.ctx))
		case "2":
			maxPayment, ok := current.readFloat("Define max_payment: ")
			if !ok {
				continue
			}
			bidPrice, ok := current.readFloat("Define bid_price: ")
			if !ok {
				continue
			}
			current.report(current.ops.PlaceBids(current.ctx, maxPayment, bidPrice))
		case "9":
			return back
		case "0":
			return exit
		default:
			printlnFn("Invalid option.")
		}
	}
}

func (current *session) walletLoop() choice {
	for {
		clearFn()
		printlnFn("     Wallet OPS MENU")
		printlnFn("1  - Get wallet addresses")
		printlnFn("2  - Get wallet balances")
		printlnFn("3  - Transfer users wallet balances to address")
		printlnFn("4  - Request tokens from faucet")
		printlnFn(separator)
		printlnFn("9 - Return to previous menu.")
		printlnFn("0 - Exit")
		selected, ok := current.read("Please make a choice: ")
		if !ok {
			return exit
		}
		switch selected {
		case "1":
			current.report(current.ops.WalletAddresses(current.ctx))
		case "2":
			current.report(current.ops.WalletBalances(current.ctx))
		case "3":
			address, ok := current.read("Enter output address: ")
			if !ok || address == "" {
				continue
			}
			current.report(current.ops.TransferBalances(current.ctx, address))
		case "4":
			current.report(current.ops.RequestFunds(current.ctx))
		case "9":
			return back
		case "0":
			return exit
		default:
			printlnFn("Invalid option.")
		}
	}
}

func (current *session) read(prompt string) (string, bool) {
	printlnFn(prompt)
	if !current.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(current.scanner.Text()), true
}

func (current *session) readInt(prompt string) (int, bool) {
	raw, ok := current.read(prompt)
	if !ok {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		printlnFn("Invalid number:", raw)
		return 0, false
	}
	return value, true
}

func (current *session) readFloat(prompt string) (float64, bool) {
	raw, ok := current.read(prompt)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		printlnFn("Invalid number:", raw)
		return 0, false
	}
	return value, true
}

func (current *session) report(results []agents.Result, err error) bool {
	if err != nil {
		printlnFn("Operation failed:", err)
		return false
	}
	for _, result := range results {
		printlnFn(result.String())
	}
	return true
}
