// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Chat      ChatCmd      `cmd:"" default:"withargs" help:"Start or continue a thread (interactive without a message)"`
	Resume    ResumeCmd    `cmd:"" help:"Resume an interrupted thread"`
	History   HistoryCmd   `cmd:"" help:"Show the turns of a thread"`
	Threads   ThreadsCmd   `cmd:"" help:"List saved threads"`
	Config    ConfigCmd    `cmd:"" help:"Print the effective configuration"`
	Providers ProvidersCmd `cmd:"" help:"Connect external tool providers and show their status"`
	Models    ModelsCmd    `cmd:"" help:"List catalogue models"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// Globals are flags shared by every command.
type Globals struct {
	ConfigFile string `name:"config" short:"c" help:"Config file path (default ./nexus.toml)" type:"path"`
	LogLevel   string `help:"Override logging.level (debug, info, warn, error)"`
}

// ChatCmd sends an instruction to a thread.
type ChatCmd struct {
	Message  []string `arg:"" optional:"" help:"Instruction; omit for an interactive session"`
	Thread   string   `short:"t" help:"Thread id (a new thread is created when omitted)"`
	Mode     string   `short:"m" help:"Agent mode: code, architect or ask"`
	Stream   bool     `help:"Stream tool output as it happens (overrides config)"`
	NoStream bool     `help:"Print tool output only when the turn completes (overrides config)"`
}

// ResumeCmd continues a thread from its last checkpoint.
type ResumeCmd struct {
	Thread   string `arg:"" help:"Thread id"`
	Stream   bool   `help:"Stream tool output as it happens (overrides config)"`
	NoStream bool   `help:"Print tool output only when the turn completes (overrides config)"`
}

// HistoryCmd prints the committed history of a thread.
type HistoryCmd struct {
	Thread string `arg:"" help:"Thread id"`
	Limit  int    `short:"n" default:"10" help:"Number of most recent turns to show (0 = all)"`
	Format string `short:"f" default:"text" enum:"text,json,yaml" help:"Output format (text, json, yaml)"`
}

// ThreadsCmd lists threads without decoding their state.
type ThreadsCmd struct {
	Format string `short:"f" default:"text" enum:"text,json,yaml" help:"Output format (text, json, yaml)"`
}

// ConfigCmd prints the effective configuration.
type ConfigCmd struct{}

// ProvidersCmd connects every configured provider once.
type ProvidersCmd struct{}

// ModelsCmd lists models from the catalogue.
type ModelsCmd struct {
	Provider string `short:"p" help:"Provider id (default: configured provider)"`
	All      bool   `help:"List models of every provider"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}

// streamOverride resolves a --stream/--no-stream pair against the configured default.
func streamOverride(stream, noStream, def bool) bool {
	switch {
	case noStream:
		return false
	case stream:
		return true
	}
	return def
}
