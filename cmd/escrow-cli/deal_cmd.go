package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"

	"dealescrow/crypto"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	var reason string
	if len(err.Data) > 0 && json.Unmarshal(err.Data, &reason) == nil && reason != "" {
		fmt.Fprintf(w, "RPC error %d (%s): %s\n", err.Code, err.Message, reason)
		return 1
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		w.Write(result)
		fmt.Fprintln(w)
		return
	}
	pretty.WriteByte('\n')
	w.Write(pretty.Bytes())
}

func invoke(method string, params interface{}, requireAuth bool, stdout, stderr io.Writer) int {
	result, rpcErr, err := rpcCall(method, params, requireAuth)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// normalizeAmount accepts plain integers, underscores as digit separators and
// scientific shorthand such as 5e18, and returns a base-10 integer string.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	if strings.TrimLeft(trimmed, "0123456789.eE+-") != "" {
		return "", fmt.Errorf("invalid amount format")
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return "", fmt.Errorf("invalid amount format")
	}
	if r.Sign() <= 0 {
		return "", fmt.Errorf("--amount must be positive")
	}
	if !r.IsInt() {
		return "", fmt.Errorf("--amount must be an integer")
	}
	return r.Num().String(), nil
}

func validateAddress(flagName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", flagName)
	}
	if _, err := crypto.ParseAddress(value); err != nil {
		return fmt.Errorf("--%s: %v", flagName, err)
	}
	return nil
}

func runDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deposit", stderr)
	var (
		seller    string
		product   uint64
		amountStr string
	)
	fs.StringVar(&seller, "seller", "", "seller address (esc1... or 0x...)")
	fs.Uint64Var(&product, "product", 0, "buyer product id")
	fs.StringVar(&amountStr, "amount", "", "amount to escrow (supports 5e18 shorthand)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("seller", seller); err != nil {
		return printError(stderr, err.Error())
	}
	if product == 0 {
		return printError(stderr, "--product must be > 0")
	}
	amount, err := normalizeAmount(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"seller":         strings.TrimSpace(seller),
		"buyerProductId": product,
		"amount":         amount,
	}
	return invoke("deal_deposit", params, true, stdout, stderr)
}

func runDeliver(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deliver", stderr)
	var id, product uint64
	fs.Uint64Var(&id, "id", 0, "deal id")
	fs.Uint64Var(&product, "product", 0, "seller product id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == 0 {
		return printError(stderr, "--id is required")
	}
	if product == 0 {
		return printError(stderr, "--product must be > 0")
	}
	params := map[string]interface{}{"id": id, "sellerProductId": product}
	return invoke("deal_confirmDelivery", params, true, stdout, stderr)
}

func runIDCommand(name, method string, requireAuth bool, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "deal id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if id == 0 {
		return printError(stderr, "--id is required")
	}
	return invoke(method, map[string]interface{}{"id": id}, requireAuth, stdout, stderr)
}

func runNoParams(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke(method, nil, false, stdout, stderr)
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var (
		party  string
		role   string
		offset int
		limit  int
	)
	fs.StringVar(&party, "party", "", "only deals involving this address")
	fs.StringVar(&role, "role", "", "buyer, seller or any")
	fs.IntVar(&offset, "offset", 0, "matches to skip")
	fs.IntVar(&limit, "limit", 0, "maximum deals to return")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{}
	if strings.TrimSpace(party) != "" {
		if err := validateAddress("party", party); err != nil {
			return printError(stderr, err.Error())
		}
		params["party"] = strings.TrimSpace(party)
	}
	if role != "" {
		params["role"] = role
	}
	if offset < 0 || limit < 0 {
		return printError(stderr, "--offset and --limit must be >= 0")
	}
	if offset > 0 {
		params["offset"] = offset
	}
	if limit > 0 {
		params["limit"] = limit
	}
	return invoke("deal_list", params, false, stdout, stderr)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("address", address); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("deal_balance", map[string]interface{}{"address": strings.TrimSpace(address)}, false, stdout, stderr)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		after uint64
		limit int
	)
	fs.Uint64Var(&after, "after", 0, "return events with a sequence greater than this")
	fs.IntVar(&limit, "limit", 0, "maximum events to return")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{"after": after}
	if limit > 0 {
		params["limit"] = limit
	}
	return invoke("deal_events", params, false, stdout, stderr)
}
