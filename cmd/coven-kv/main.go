// ABOUTME: Entry point for coven-kv: key-value stores with cross-process change events
// ABOUTME: Runs the change relay server and a set of commands that operate on named stores

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "get":
		err = runGet(ctx, args)
	case "set":
		err = runSet(ctx, args)
	case "add":
		err = runAdd(ctx, args)
	case "rm", "remove":
		err = runRemove(ctx, args)
	case "clear":
		err = runClear(ctx, args)
	case "count":
		err = runCount(ctx, args)
	case "keys":
		err = runKeys(ctx, args)
	case "values":
		err = runValues(ctx, args)
	case "json":
		err = runJSON(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "version", "--version", "-v":
		fmt.Printf("coven-kv %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`coven-kv - named key-value stores with change events

Usage:
  coven-kv <command> [flags] [args]

Server:
  serve                   Run the change relay (and metrics endpoint if enabled)
  init                    Write a configuration file

Stores (all accept -store NAME, default "default"):
  get KEY...              Print the value stored under each key
  set KEY VALUE           Store VALUE under KEY
  add [KEY] VALUE         Insert VALUE; without KEY the store assigns one
  rm KEY                  Remove KEY, or a range with -from/-to
  clear                   Remove every record
  count                   Count records (optionally within -from/-to)
  keys                    List keys in order
  values                  List values in key order
  json                    Print the store as one JSON object
  watch                   Print add/set/remove events from other writers

Range flags: -from KEY -to KEY -from-open -to-open
Keys that parse as integers are numeric; pass -string to keep them as text.
Values are parsed as JSON, falling back to a plain string.

Other:
  version                 Print version
  help                    Show this help

Environment:
  COVEN_KV_CONFIG         Config file path (default: ~/.config/coven/kv.yaml)`)
}
